package infra

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

func newTestRegistry(t *testing.T) (*FileRegistry, *mockProcessManager) {
	t.Helper()
	pm := newMockProcessManager()
	return NewFileRegistryWithPath(filepath.Join(t.TempDir(), "daemon.json"), pm), pm
}

func TestFileRegistry_RegisterAndGet(t *testing.T) {
	registry, pm := newTestRegistry(t)
	pm.SetRunning(12345, true)

	entry := domain.RegistryEntry{
		PID:        12345,
		RunID:      "run-1",
		StartedAt:  1700000000,
		HabitsPath: "/data/adb/appreaper/habits.json",
		Storage:    "json",
		AppVersion: "0.1.0",
	}
	require.NoError(t, registry.Register(entry))

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Equal(t, entry, *got)

	info, err := os.Stat(registry.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileRegistry_Get(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *FileRegistry, pm *mockProcessManager)
	}{
		{
			name:  "missing file",
			setup: func(t *testing.T, r *FileRegistry, pm *mockProcessManager) {},
		},
		{
			name: "dead process",
			setup: func(t *testing.T, r *FileRegistry, pm *mockProcessManager) {
				pm.SetRunning(111, true)
				require.NoError(t, r.Register(domain.RegistryEntry{PID: 111}))
				pm.SetRunning(111, false)
			},
		},
		{
			name: "zero pid",
			setup: func(t *testing.T, r *FileRegistry, pm *mockProcessManager) {
				require.NoError(t, r.Register(domain.RegistryEntry{PID: 0}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, pm := newTestRegistry(t)
			tt.setup(t, registry, pm)

			_, err := registry.Get()
			assert.ErrorIs(t, err, ErrNotRunning)
		})
	}
}

func TestFileRegistry_CorruptFile(t *testing.T) {
	registry, _ := newTestRegistry(t)
	require.NoError(t, os.WriteFile(registry.Path(), []byte("{not json"), 0600))

	_, err := registry.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse registry")
}

func TestFileRegistry_RefusesLiveDaemon(t *testing.T) {
	registry, pm := newTestRegistry(t)
	pm.SetRunning(100, true)
	pm.SetRunning(200, true)

	require.NoError(t, registry.Register(domain.RegistryEntry{PID: 100}))

	err := registry.Register(domain.RegistryEntry{PID: 200})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running with pid 100")

	// Re-registering the same process is fine
	assert.NoError(t, registry.Register(domain.RegistryEntry{PID: 100, RunID: "again"}))
}

func TestFileRegistry_ReplacesStaleEntry(t *testing.T) {
	registry, pm := newTestRegistry(t)
	pm.SetRunning(100, true)
	require.NoError(t, registry.Register(domain.RegistryEntry{PID: 100}))
	pm.SetRunning(100, false)

	pm.SetRunning(200, true)
	require.NoError(t, registry.Register(domain.RegistryEntry{PID: 200}))

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Equal(t, 200, got.PID)
}

func TestFileRegistry_Clear(t *testing.T) {
	registry, pm := newTestRegistry(t)
	pm.SetRunning(100, true)
	require.NoError(t, registry.Register(domain.RegistryEntry{PID: 100}))

	require.NoError(t, registry.Clear())
	_, err := registry.Get()
	assert.ErrorIs(t, err, ErrNotRunning)

	// Clearing twice is not an error
	assert.NoError(t, registry.Clear())
}

func TestFileRegistry_ConcurrentRegister(t *testing.T) {
	registry, pm := newTestRegistry(t)
	for pid := 1; pid <= 8; pid++ {
		pm.SetRunning(pid, true)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []int
	)
	for pid := 1; pid <= 8; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := registry.Register(domain.RegistryEntry{PID: pid}); err == nil {
				mu.Lock()
				won = append(won, pid)
				mu.Unlock()
			}
		}(pid)
	}
	wg.Wait()

	require.Len(t, won, 1, "exactly one daemon may register")
	got, err := registry.Get()
	require.NoError(t, err)
	assert.Equal(t, won[0], got.PID)
}
