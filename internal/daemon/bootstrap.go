package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// StartDetached spawns `<executable> run <args...>` in a new session, with no
// stdio, so it outlives the calling shell. Returns the child PID.
func StartDetached(executable string, args []string) (int, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, err
		}
		executable = self
	}

	cmd := exec.Command(executable, append([]string{"run"}, args...)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// The child is not waited on; release it so no zombie bookkeeping remains.
	_ = cmd.Process.Release()
	return pid, nil
}

// Signal sends sig to the daemon found in the registry.
func Signal(registry domain.DaemonRegistry, sig syscall.Signal) (*domain.RegistryEntry, error) {
	entry, err := registry.Get()
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(entry.PID)
	if err != nil {
		return nil, err
	}
	if err := proc.Signal(sig); err != nil {
		return nil, fmt.Errorf("failed to signal pid %d: %w", entry.PID, err)
	}
	return entry, nil
}
