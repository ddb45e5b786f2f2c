// Package infra implements infrastructure concerns (processes, probes, storage, registry).
package infra

import (
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct {
	selfPID int32
}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{selfPID: int32(os.Getpid())}
}

// FindByName returns PIDs of processes whose name or argv[0] matches the
// glob pattern. Android app processes keep their package name (plus an
// optional ":service" suffix) in argv[0] while the kernel name is truncated,
// so both are checked. The calling process is never returned.
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		if p.Pid == pm.selfPID {
			continue
		}
		if pm.matches(p, pattern) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

func (pm *ProcessManagerImpl) matches(p *process.Process, pattern string) bool {
	if name, err := p.Name(); err == nil && MatchProcess(pattern, name) {
		return true
	}
	args, err := p.CmdlineSlice()
	if err != nil || len(args) == 0 {
		return false // Process may have exited
	}
	return MatchProcess(pattern, args[0]) || MatchProcess(pattern, filepath.Base(args[0]))
}

// MatchProcess reports whether a process name matches a target pattern.
// Malformed patterns never match.
func MatchProcess(pattern, name string) bool {
	if name == "" {
		return false
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks existence without delivering anything
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
