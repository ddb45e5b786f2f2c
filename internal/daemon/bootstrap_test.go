package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// stubRegistry returns a fixed entry or error.
type stubRegistry struct {
	entry *domain.RegistryEntry
	err   error
}

func (r *stubRegistry) Register(domain.RegistryEntry) error { return nil }
func (r *stubRegistry) Get() (*domain.RegistryEntry, error) { return r.entry, r.err }
func (r *stubRegistry) Clear() error                        { return nil }
func (r *stubRegistry) Path() string                        { return "" }

func TestStartDetached_RunsInNewSession(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-appreaper")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "$@" > "$(dirname "$0")/args"
sleep 5
`), 0755))

	pid, err := StartDetached(script, []string{"--preset=wechat", "--data-dir=/tmp/x"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })

	argsFile := filepath.Join(dir, "args")
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(argsFile)
		return err == nil && strings.TrimSpace(string(data)) == "run --preset=wechat --data-dir=/tmp/x"
	}, 3*time.Second, 20*time.Millisecond)

	sid, err := unix.Getsid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, sid, "child leads its own session")
}

func TestStartDetached_MissingExecutable(t *testing.T) {
	_, err := StartDetached(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start daemon")
}

func TestSignal(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleepPath, "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	registry := &stubRegistry{entry: &domain.RegistryEntry{PID: cmd.Process.Pid, RunID: "r1"}}
	entry, err := Signal(registry, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, "r1", entry.RunID)

	err = cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status := exitErr.Sys().(syscall.WaitStatus)
	assert.Equal(t, syscall.SIGTERM, status.Signal())
}

func TestSignal_RegistryError(t *testing.T) {
	notRunning := assert.AnError
	_, err := Signal(&stubRegistry{err: notRunning}, syscall.SIGUSR1)
	assert.ErrorIs(t, err, notRunning)
}
