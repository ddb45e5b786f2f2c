// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// HoursPerDay is the number of time-of-day slots tracked by the habit model.
const HoursPerDay = 24

// MaxActiveAppsPerHour bounds the recently-active set kept per hour slot.
const MaxActiveAppsPerHour = 10

// LifecycleState is whether a target currently receives user interaction.
type LifecycleState int

const (
	Foreground LifecycleState = iota
	Background
)

func (s LifecycleState) String() string {
	switch s {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// LearningIntensity is a step function of learning hours.
type LearningIntensity int

const (
	IntensityHigh LearningIntensity = iota
	IntensityMedium
	IntensityLow
	IntensityStable
)

func (i LearningIntensity) String() string {
	switch i {
	case IntensityHigh:
		return "high"
	case IntensityMedium:
		return "medium"
	case IntensityLow:
		return "low"
	case IntensityStable:
		return "stable"
	default:
		return "unknown"
	}
}

// TargetSpec is the immutable identity of a monitored application.
type TargetSpec struct {
	AppID           string   // Application identifier (e.g. com.tencent.mm)
	ProcessPatterns []string // Glob patterns matched against process name or argv[0]
	Sticky          bool     // Externally configured kill exemption
}

// AppStats is the learned usage profile of one target.
type AppStats struct {
	UsageCount             int64              `json:"usage_count"`
	TotalForegroundSeconds float64            `json:"total_foreground_seconds"`
	TotalBackgroundSeconds float64            `json:"total_background_seconds"`
	SwitchCount            int64              `json:"switch_count"`
	ConsecutiveDaysUsed    int                `json:"consecutive_days_used"`
	LastUsedDay            int64              `json:"last_used_day"` // days since Unix epoch (local), 0 = never
	LastUsageHour          int                `json:"last_usage_hour"`
	HourlyUsage            [HoursPerDay]int64 `json:"hourly_usage"`
	UsagePatternScore      float64            `json:"usage_pattern_score"`
	ImportanceWeight       float64            `json:"importance_weight"`
}

// NewAppStats returns stats for a target that has never been observed.
func NewAppStats() AppStats {
	return AppStats{LastUsageHour: -1}
}

// TimePattern holds aggregate activity for one hour of the day.
type TimePattern struct {
	ActivityLevel  float64  `json:"activity_level"`
	CheckFrequency float64  `json:"check_frequency"`
	ActiveApps     []string `json:"active_apps"`
}

// HasApp reports whether appID was recently active in this hour slot.
func (p TimePattern) HasApp(appID string) bool {
	for _, id := range p.ActiveApps {
		if id == appID {
			return true
		}
	}
	return false
}

// LearningState tracks progress of the initial learning phase.
type LearningState struct {
	StartedAt        time.Time         `json:"started_at"`
	LearningHours    int64             `json:"learning_hours"`
	LearningComplete bool              `json:"learning_complete"`
	LearningWeight   float64           `json:"learning_weight"`
	Intensity        LearningIntensity `json:"learning_intensity"`
}

// HabitsSnapshot is the persisted aggregate of everything the habit model learned.
type HabitsSnapshot struct {
	Apps        map[string]AppStats      `json:"apps"`
	Patterns    [HoursPerDay]TimePattern `json:"time_patterns"`
	Learning    LearningState            `json:"learning"`
	ScreenOnEMA float64                  `json:"screen_on_ema_seconds"`
	SampleCount int64                    `json:"sample_count"`
	SaveVersion int64                    `json:"save_version"`
}

// NewHabitsSnapshot returns an empty snapshot with default learning state.
func NewHabitsSnapshot() HabitsSnapshot {
	return HabitsSnapshot{
		Apps:     make(map[string]AppStats),
		Learning: LearningState{LearningWeight: 1.0, Intensity: IntensityHigh},
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s HabitsSnapshot) Clone() HabitsSnapshot {
	out := s
	out.Apps = make(map[string]AppStats, len(s.Apps))
	for id, st := range s.Apps {
		out.Apps[id] = st
	}
	for h := range s.Patterns {
		if s.Patterns[h].ActiveApps != nil {
			out.Patterns[h].ActiveApps = append([]string(nil), s.Patterns[h].ActiveApps...)
		}
	}
	return out
}

// HabitsDelta is an incremental save: only targets modified since the last
// save, together with the small global sections.
type HabitsDelta struct {
	SaveVersion int64
	Apps        map[string]AppStats
	Patterns    [HoursPerDay]TimePattern
	Learning    LearningState
	ScreenOnEMA float64
	SampleCount int64
}

// Pressure is the coarse system pressure reading for one cycle.
type Pressure struct {
	MemoryHigh  bool
	BatteryLow  bool
	CPULoadHigh bool
}

// Any reports whether any pressure signal is raised.
func (p Pressure) Any() bool {
	return p.MemoryHigh || p.BatteryLow || p.CPULoadHigh
}

// StopResult captures what a single termination request did.
type StopResult struct {
	AppID      string
	Matched    int // Processes found for the target's patterns
	KilledPIDs []int
	Errors     []error
	ExecutedAt time.Time
	DurationMs int64
}

// Attempted reports whether the stop found anything to terminate.
func (r *StopResult) Attempted() bool {
	return r != nil && (r.Matched > 0 || len(r.KilledPIDs) > 0)
}

// RegistryEntry describes the running daemon for the control commands.
// Persisted to a JSON file in the data directory.
type RegistryEntry struct {
	PID        int    `json:"pid"`
	RunID      string `json:"run_id"`
	StartedAt  int64  `json:"started_at"`
	HabitsPath string `json:"habits_path"`
	Storage    string `json:"storage"`
	AppVersion string `json:"app_version,omitempty"`
}
