package domain

import "context"

// ActivityProbe reports foreground and display state.
// Implementation: parses `dumpsys window` / `dumpsys display` on Android.
type ActivityProbe interface {
	// IsForeground reports whether the target currently has input focus.
	IsForeground(ctx context.Context, target TargetSpec) (bool, error)

	// IsScreenOn reports whether the display is on.
	IsScreenOn(ctx context.Context) (bool, error)
}

// TerminationAction stops the processes that belong to a target.
// Best-effort: the caller only logs the result.
type TerminationAction interface {
	Stop(ctx context.Context, target TargetSpec) (*StopResult, error)
}

// PressureProbe reports coarse resource pressure signals.
// An error means "no usable reading" and is treated as no pressure.
type PressureProbe interface {
	IsMemoryPressureHigh(ctx context.Context) (bool, error)
	IsBatteryLow(ctx context.Context) (bool, error)
	IsCPULoadHigh(ctx context.Context) (bool, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the glob pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// HabitRepository is durable storage for the learned habits.
// Implementations: JSON files with atomic rename, SQLCipher database.
type HabitRepository interface {
	// LoadHabits returns the stored snapshot, or nil when nothing is stored yet.
	LoadHabits() (*HabitsSnapshot, error)

	// SaveFull replaces everything that is stored.
	SaveFull(snapshot HabitsSnapshot) error

	// SaveIncremental stores only the targets in delta, under delta.SaveVersion.
	SaveIncremental(delta HabitsDelta) error

	// Location returns the file path backing the repository.
	Location() string

	// Close releases resources (e.g., database connection).
	Close() error
}

// DaemonRegistry lets control commands find the running daemon.
// Implementation: JSON file in the data directory.
type DaemonRegistry interface {
	Register(entry RegistryEntry) error
	Get() (*RegistryEntry, error)
	Clear() error
	Path() string
}

// KeyProvider abstracts the source of the habits database key.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}
