// Package target implements the per-target Foreground/Background state
// machine and the target list grammar.
package target

import (
	"time"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// DefaultMaxKillAttempts is how many kill attempts a target may receive while
// it stays in Background before it is marked protected.
const DefaultMaxKillAttempts = 10

// Target is one monitored application and its mutable lifecycle state.
// Owned by the scheduler loop; not safe for concurrent use.
type Target struct {
	spec domain.TargetSpec

	State            domain.LifecycleState
	LastBackgroundAt time.Time
	LastSwitchAt     time.Time
	SwitchCount      int64
	KillAttempts     int
	Protected        bool
	NextCheckAt      time.Time

	// observed is false until the first successful probe. The initial
	// Foreground state is an assumption, so the first switch away from it
	// carries no duration.
	observed        bool
	maxKillAttempts int
}

// New creates a target in the optimistic Foreground state.
func New(spec domain.TargetSpec) *Target {
	return &Target{
		spec:            spec,
		State:           domain.Foreground,
		maxKillAttempts: DefaultMaxKillAttempts,
	}
}

// NewWithMaxKillAttempts creates a target with a custom protection bound.
func NewWithMaxKillAttempts(spec domain.TargetSpec, max int) *Target {
	t := New(spec)
	if max > 0 {
		t.maxKillAttempts = max
	}
	return t
}

// ID returns the application identifier.
func (t *Target) ID() string {
	return t.spec.AppID
}

// Spec returns the target identity.
func (t *Target) Spec() domain.TargetSpec {
	return t.spec
}

// Sticky reports whether the target is externally exempted from kills.
func (t *Target) Sticky() bool {
	return t.spec.Sticky
}

// SetSticky updates the external exemption flag.
func (t *Target) SetSticky(sticky bool) {
	t.spec.Sticky = sticky
}

// IsForeground reports whether the target is in the Foreground state.
func (t *Target) IsForeground() bool {
	return t.State == domain.Foreground
}

// Transition describes the outcome of one observation.
type Transition struct {
	From     domain.LifecycleState
	To       domain.LifecycleState
	Changed  bool
	Previous time.Duration // How long the target spent in From (0 if unknown)
}

// Observe feeds one probe result into the state machine.
// Repeated identical results are no-ops and never count as switches.
func (t *Target) Observe(foreground bool, now time.Time) Transition {
	to := domain.Background
	if foreground {
		to = domain.Foreground
	}

	tr := Transition{From: t.State, To: to}

	if !t.observed {
		t.observed = true
		if to == t.State {
			// First probe confirms the assumed state; start timing from here.
			t.LastSwitchAt = now
			return tr
		}
	} else if to == t.State {
		return tr
	} else if !t.LastSwitchAt.IsZero() && now.After(t.LastSwitchAt) {
		tr.Previous = now.Sub(t.LastSwitchAt)
	}

	tr.Changed = true
	t.State = to
	t.LastSwitchAt = now
	t.SwitchCount++

	switch to {
	case domain.Background:
		t.LastBackgroundAt = now
	case domain.Foreground:
		// Returning to Foreground cancels any pending kill.
		t.KillAttempts = 0
	}

	return tr
}

// EndSession closes a running Foreground session and returns its length.
// The target stays Foreground but timing restarts from the next probe, which
// is treated like a first observation. Returns 0 when no session was open.
func (t *Target) EndSession(now time.Time) time.Duration {
	if t.State != domain.Foreground || !t.observed {
		return 0
	}
	var d time.Duration
	if !t.LastSwitchAt.IsZero() && now.After(t.LastSwitchAt) {
		d = now.Sub(t.LastSwitchAt)
	}
	t.observed = false
	t.LastSwitchAt = time.Time{}
	return d
}

// KillDecision is the result of a kill-eligibility evaluation.
type KillDecision struct {
	Eligible  bool
	Elapsed   time.Duration
	Threshold time.Duration
	Reason    string
}

// EvaluateKill decides whether the target should be terminated now, given
// the (already pressure-adjusted) grace period threshold.
func (t *Target) EvaluateKill(now time.Time, threshold time.Duration) KillDecision {
	d := KillDecision{Threshold: threshold}

	if t.State != domain.Background {
		d.Reason = "foreground"
		return d
	}

	d.Elapsed = now.Sub(t.LastBackgroundAt)

	switch {
	case t.Protected:
		d.Reason = "protected"
	case t.spec.Sticky:
		d.Reason = "sticky"
	case d.Elapsed < threshold:
		d.Reason = "grace period"
	default:
		d.Eligible = true
		d.Reason = "grace period elapsed"
	}
	return d
}

// RecordKillAttempt updates the counters after TerminationAction ran.
// The kill timer is re-armed: the next attempt needs another full grace
// period. counted is false when the action found nothing to stop.
// Returns true when this attempt made the target protected.
func (t *Target) RecordKillAttempt(now time.Time, counted bool) bool {
	t.LastBackgroundAt = now
	if !counted {
		return false
	}

	t.KillAttempts++
	if !t.Protected && t.KillAttempts >= t.maxKillAttempts {
		t.Protected = true
		return true
	}
	return false
}
