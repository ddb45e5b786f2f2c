package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents who the daemon runs as.
type ExecMode string

const (
	// ExecModeUser runs as an unprivileged user; state lives in the home directory.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (e.g. a Magisk service); state lives under /data/adb.
	ExecModeSystem ExecMode = "system"
)

const appName = "appreaper"

// Paths holds the default file locations for the detected mode.
type Paths struct {
	Mode    ExecMode
	DataDir string // habits, key, registry
	LogDir  string
	IsRoot  bool
}

// DetectPaths determines default paths based on effective UID.
func DetectPaths() Paths {
	if os.Geteuid() == 0 {
		return SystemPaths()
	}
	return UserPaths()
}

// SystemPaths returns root-mode paths regardless of the current euid.
func SystemPaths() Paths {
	dir := filepath.Join("/data/adb", appName)
	return Paths{
		Mode:    ExecModeSystem,
		DataDir: dir,
		LogDir:  filepath.Join(dir, "logs"),
		IsRoot:  os.Geteuid() == 0,
	}
}

// UserPaths returns user-mode paths. Under sudo the invoking user's home is used.
func UserPaths() Paths {
	dir := filepath.Join(GetRealUserHome(), "."+appName)
	return Paths{
		Mode:    ExecModeUser,
		DataDir: dir,
		LogDir:  filepath.Join(dir, "logs"),
		IsRoot:  os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return os.TempDir()
	}
	return home
}
