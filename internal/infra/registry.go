package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

const registryFileName = "daemon.json"

// ErrNotRunning is returned when no live daemon is registered.
var ErrNotRunning = errors.New("daemon not running")

// FileRegistry implements domain.DaemonRegistry with a JSON file in the data
// directory. Control commands read it to find the daemon's PID.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileRegistry creates a registry in dataDir.
func NewFileRegistry(dataDir string, pm domain.ProcessManager) *FileRegistry {
	return NewFileRegistryWithPath(filepath.Join(dataDir, registryFileName), pm)
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{path: path, processManager: pm}
}

// Path returns the registry file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// Register records the running daemon. It refuses to overwrite an entry
// whose process is still alive, so two daemons cannot share a data dir.
func (r *FileRegistry) Register(entry domain.RegistryEntry) error {
	// File lock serializes concurrent starts
	lockPath := r.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	current, _ := r.read() // May not exist yet
	if current != nil && current.PID != entry.PID && r.processManager.IsRunning(current.PID) {
		return fmt.Errorf("daemon already running with pid %d", current.PID)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(r.path, data, 0600)
}

// Get returns the registered daemon if its process is alive.
func (r *FileRegistry) Get() (*domain.RegistryEntry, error) {
	entry, err := r.read()
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.PID <= 0 || !r.processManager.IsRunning(entry.PID) {
		return nil, ErrNotRunning
	}
	return entry, nil
}

// Clear removes the registry file. A missing file is not an error.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *FileRegistry) read() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &entry, nil
}

// Ensure FileRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*FileRegistry)(nil)
