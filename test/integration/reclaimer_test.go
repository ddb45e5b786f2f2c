//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
	"github.com/eliteGoblin/focusd/app_reaper/internal/usecase"
)

// startNamed runs a long sleep under a distinct executable name so the
// process can be matched by pattern without touching anything else.
func startNamed(t *testing.T, dir, name string) *exec.Cmd {
	t.Helper()
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	bin := filepath.Join(dir, name)
	if err := os.Symlink(sleepPath, bin); err != nil {
		t.Fatalf("failed to link %s: %v", name, err)
	}

	cmd := exec.Command(bin, "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start %s: %v", name, err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func waitExit(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("pid %d still running", cmd.Process.Pid)
	}
}

func TestReclaimer_KillsMatchingProcesses(t *testing.T) {
	tmpDir := t.TempDir()
	main := startNamed(t, tmpDir, "reaper-it-chat")
	push := startNamed(t, tmpDir, "reaper-it-chat-push")
	other := startNamed(t, tmpDir, "reaper-it-music")

	logger, _ := zap.NewDevelopment()
	reclaimer := usecase.NewReclaimer(infra.NewProcessManager(), logger)

	result, err := reclaimer.Stop(context.Background(), domain.TargetSpec{
		AppID:           "chat",
		ProcessPatterns: []string{"reaper-it-chat", "reaper-it-chat*"},
	})
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if result.Matched != 2 {
		t.Errorf("expected 2 matched processes, got %d", result.Matched)
	}
	if len(result.KilledPIDs) != 2 {
		t.Errorf("expected 2 killed pids, got %v", result.KilledPIDs)
	}
	waitExit(t, main)
	waitExit(t, push)

	if !infra.NewProcessManager().IsRunning(other.Process.Pid) {
		t.Error("expected unrelated process to survive")
	}
}

func TestReclaimer_NothingRunning(t *testing.T) {
	reclaimer := usecase.NewReclaimer(infra.NewProcessManager(), zap.NewNop())

	result, err := reclaimer.Stop(context.Background(), domain.TargetSpec{
		AppID:           "absent",
		ProcessPatterns: []string{"reaper-it-does-not-exist"},
	})
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if result.Attempted() {
		t.Errorf("expected no attempt, got %+v", result)
	}
}

func TestRegistry_PersistsAcrossRestarts(t *testing.T) {
	tmpDir := t.TempDir()
	registryPath := filepath.Join(tmpDir, "daemon.json")
	pm := infra.NewProcessManager()

	registry1 := infra.NewFileRegistryWithPath(registryPath, pm)
	entry := domain.RegistryEntry{
		PID:        os.Getpid(),
		RunID:      "integration",
		StartedAt:  time.Now().Unix(),
		HabitsPath: filepath.Join(tmpDir, "habits.json"),
		Storage:    "json",
	}
	if err := registry1.Register(entry); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// Second instance, as a control command would see it
	registry2 := infra.NewFileRegistryWithPath(registryPath, pm)
	got, err := registry2.Get()
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.PID != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), got.PID)
	}
	if got.RunID != "integration" {
		t.Errorf("expected run id 'integration', got '%s'", got.RunID)
	}
}
