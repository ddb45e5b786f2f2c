package policy

import (
	"time"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// IntervalPolicy computes durations from one habits snapshot at one
// wall-clock hour. It is rebuilt every scheduler cycle and never mutated.
type IntervalPolicy struct {
	cfg    Config
	habits domain.HabitsSnapshot
	hour   int
}

// New creates a policy for the given snapshot evaluated at now.
// The snapshot must not be mutated while the policy is in use.
func New(habits domain.HabitsSnapshot, cfg Config, now time.Time) *IntervalPolicy {
	return &IntervalPolicy{
		cfg:    cfg.Normalize(),
		habits: habits,
		hour:   now.Hour(),
	}
}

// Config returns the normalized bounds.
func (p *IntervalPolicy) Config() Config {
	return p.cfg
}

// ScreenCheckInterval is how often the display state is probed.
// While learning it grows with learning progress; once stable it shrinks as
// the current hour's activity level rises.
func (p *IntervalPolicy) ScreenCheckInterval() time.Duration {
	if p.habits.Learning.Intensity != domain.IntensityStable {
		progress := float64(p.habits.Learning.LearningHours) / float64(p.cfg.LearningTargetHours)
		return lerp(p.cfg.ScreenCheckMin, p.cfg.ScreenCheckMax, progress)
	}
	return lerp(p.cfg.ScreenCheckMax, p.cfg.ScreenCheckMin, p.activity())
}

// ProcessCheckInterval is how often a target's foreground state is probed.
func (p *IntervalPolicy) ProcessCheckInterval(appID string) time.Duration {
	switch p.habits.Learning.Intensity {
	case domain.IntensityHigh, domain.IntensityMedium, domain.IntensityLow:
		d := p.learningCheck()
		if p.activeThisHour(appID) {
			d = time.Duration(float64(d) * p.cfg.ActiveHourFactor)
		}
		return clamp(d, p.cfg.ProcessCheckMin, p.cfg.ProcessCheckMax)
	}

	// More important targets are probed more often so a return to the
	// foreground is seen promptly.
	return lerp(p.cfg.ProcessCheckMax, p.cfg.ProcessCheckMin, p.importance(appID)/100)
}

// KillInterval is the background grace period before a target is killed.
func (p *IntervalPolicy) KillInterval(appID string, pressure domain.Pressure) time.Duration {
	d := p.baseKillInterval(appID)

	factor := PressureFactor(pressure)
	if factor <= 1 {
		return d
	}

	floor := p.cfg.KillPressureFloor
	if d < floor {
		floor = d
	}
	return clamp(time.Duration(float64(d)/factor), floor, d)
}

func (p *IntervalPolicy) baseKillInterval(appID string) time.Duration {
	stats, ok := p.habits.Apps[appID]
	if !ok {
		return clamp(p.cfg.KillDefault, p.cfg.KillMin, p.cfg.KillHighMax)
	}

	imp := clampFloat(stats.ImportanceWeight, 0, 100)
	if imp > p.cfg.HighImportance && p.activeThisHour(appID) {
		frac := (imp - p.cfg.HighImportance) / (100 - p.cfg.HighImportance)
		return lerp(p.cfg.KillHighMin, p.cfg.KillHighMax, frac)
	}
	return lerp(p.cfg.KillMin, p.cfg.KillMax, imp/100)
}

// ScreenOffSleepInterval is the extended sleep after a screen-off sweep.
func (p *IntervalPolicy) ScreenOffSleepInterval() time.Duration {
	d := p.cfg.ScreenOffSleep
	switch {
	case !p.habits.Learning.LearningComplete:
		d /= 2
	case p.activity() < p.cfg.QuietHourActivity:
		d *= 2
	}
	return clamp(d, p.cfg.ScreenOffSleepMin, p.cfg.ScreenOffSleepMax)
}

// PressureCheckInterval is the loop interval while the system is under pressure.
func (p *IntervalPolicy) PressureCheckInterval() time.Duration {
	return p.cfg.PressureCheck
}

// PressureFactor is the divisor applied to grace periods: memory pressure
// halves them, memory plus another signal thirds them, and battery or CPU
// pressure alone shortens them by a third.
func PressureFactor(pr domain.Pressure) float64 {
	switch {
	case pr.MemoryHigh && (pr.BatteryLow || pr.CPULoadHigh):
		return 3
	case pr.MemoryHigh:
		return 2
	case pr.BatteryLow || pr.CPULoadHigh:
		return 1.5
	default:
		return 1
	}
}

func (p *IntervalPolicy) learningCheck() time.Duration {
	switch p.habits.Learning.Intensity {
	case domain.IntensityHigh:
		return p.cfg.LearningCheckHigh
	case domain.IntensityMedium:
		return p.cfg.LearningCheckMedium
	default:
		return p.cfg.LearningCheckLow
	}
}

func (p *IntervalPolicy) importance(appID string) float64 {
	stats, ok := p.habits.Apps[appID]
	if !ok {
		return 0
	}
	return clampFloat(stats.ImportanceWeight, 0, 100)
}

func (p *IntervalPolicy) activity() float64 {
	return clampFloat(p.habits.Patterns[p.hour].ActivityLevel, 0, 1)
}

func (p *IntervalPolicy) activeThisHour(appID string) bool {
	if p.habits.Patterns[p.hour].HasApp(appID) {
		return true
	}
	stats, ok := p.habits.Apps[appID]
	return ok && stats.HourlyUsage[p.hour] > 0
}

// lerp interpolates from a to b; frac is clamped to [0,1] so the result
// always lies between a and b.
func lerp(a, b time.Duration, frac float64) time.Duration {
	frac = clampFloat(frac, 0, 1)
	return a + time.Duration(float64(b-a)*frac)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clampFloat(v, min, max float64) float64 {
	if v != v { // NaN
		return min
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
