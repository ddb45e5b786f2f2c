// Package policy turns learned habits into check intervals and kill grace
// periods. Everything here is a pure function of a habits snapshot.
package policy

import "time"

// Config holds the bounds every interval is clamped to.
type Config struct {
	ScreenCheckMin time.Duration `mapstructure:"screen_check_min"`
	ScreenCheckMax time.Duration `mapstructure:"screen_check_max"`

	ProcessCheckMin time.Duration `mapstructure:"process_check_min"`
	ProcessCheckMax time.Duration `mapstructure:"process_check_max"`

	// Fixed per-intensity check intervals used while learning.
	LearningCheckHigh   time.Duration `mapstructure:"learning_check_high"`
	LearningCheckMedium time.Duration `mapstructure:"learning_check_medium"`
	LearningCheckLow    time.Duration `mapstructure:"learning_check_low"`
	// Multiplier for targets seen active in the current hour while learning.
	ActiveHourFactor float64 `mapstructure:"active_hour_factor"`

	KillMin     time.Duration `mapstructure:"kill_min"`
	KillMax     time.Duration `mapstructure:"kill_max"`
	KillDefault time.Duration `mapstructure:"kill_default"` // Targets without statistics
	// Targets above HighImportance that are active this hour use the high range.
	HighImportance float64       `mapstructure:"high_importance"`
	KillHighMin    time.Duration `mapstructure:"kill_high_min"`
	KillHighMax    time.Duration `mapstructure:"kill_high_max"`
	// No pressure-adjusted grace period goes below this.
	KillPressureFloor time.Duration `mapstructure:"kill_pressure_floor"`

	ScreenOffSleep    time.Duration `mapstructure:"screen_off_sleep"`
	ScreenOffSleepMin time.Duration `mapstructure:"screen_off_sleep_min"`
	ScreenOffSleepMax time.Duration `mapstructure:"screen_off_sleep_max"`
	// Hours whose activity level is below this are considered quiet.
	QuietHourActivity float64 `mapstructure:"quiet_hour_activity"`

	PressureCheck time.Duration `mapstructure:"pressure_check"`

	LearningTargetHours int64 `mapstructure:"learning_target_hours"`
}

// DefaultConfig returns the default interval bounds.
func DefaultConfig() Config {
	return Config{
		ScreenCheckMin: 30 * time.Second,
		ScreenCheckMax: 5 * time.Minute,

		ProcessCheckMin: 15 * time.Second,
		ProcessCheckMax: 5 * time.Minute,

		LearningCheckHigh:   30 * time.Second,
		LearningCheckMedium: 60 * time.Second,
		LearningCheckLow:    2 * time.Minute,
		ActiveHourFactor:    0.5,

		KillMin:           2 * time.Minute,
		KillMax:           30 * time.Minute,
		KillDefault:       10 * time.Minute,
		HighImportance:    70,
		KillHighMin:       30 * time.Minute,
		KillHighMax:       2 * time.Hour,
		KillPressureFloor: 30 * time.Second,

		ScreenOffSleep:    30 * time.Minute,
		ScreenOffSleepMin: 5 * time.Minute,
		ScreenOffSleepMax: time.Hour,
		QuietHourActivity: 0.1,

		PressureCheck: 20 * time.Second,

		LearningTargetHours: 72,
	}
}

// Normalize fills zero or inverted bounds from the defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	fix := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fix(&c.ScreenCheckMin, d.ScreenCheckMin)
	fix(&c.ScreenCheckMax, d.ScreenCheckMax)
	fix(&c.ProcessCheckMin, d.ProcessCheckMin)
	fix(&c.ProcessCheckMax, d.ProcessCheckMax)
	fix(&c.LearningCheckHigh, d.LearningCheckHigh)
	fix(&c.LearningCheckMedium, d.LearningCheckMedium)
	fix(&c.LearningCheckLow, d.LearningCheckLow)
	fix(&c.KillMin, d.KillMin)
	fix(&c.KillMax, d.KillMax)
	fix(&c.KillDefault, d.KillDefault)
	fix(&c.KillHighMin, d.KillHighMin)
	fix(&c.KillHighMax, d.KillHighMax)
	fix(&c.KillPressureFloor, d.KillPressureFloor)
	fix(&c.ScreenOffSleep, d.ScreenOffSleep)
	fix(&c.ScreenOffSleepMin, d.ScreenOffSleepMin)
	fix(&c.ScreenOffSleepMax, d.ScreenOffSleepMax)
	fix(&c.PressureCheck, d.PressureCheck)

	if c.ScreenCheckMax < c.ScreenCheckMin {
		c.ScreenCheckMax = c.ScreenCheckMin
	}
	if c.ProcessCheckMax < c.ProcessCheckMin {
		c.ProcessCheckMax = c.ProcessCheckMin
	}
	if c.KillMax < c.KillMin {
		c.KillMax = c.KillMin
	}
	if c.KillHighMin < c.KillMax {
		c.KillHighMin = c.KillMax
	}
	if c.KillHighMax < c.KillHighMin {
		c.KillHighMax = c.KillHighMin
	}
	if c.ScreenOffSleepMax < c.ScreenOffSleepMin {
		c.ScreenOffSleepMax = c.ScreenOffSleepMin
	}
	if c.ActiveHourFactor <= 0 || c.ActiveHourFactor > 1 {
		c.ActiveHourFactor = d.ActiveHourFactor
	}
	if c.HighImportance <= 0 || c.HighImportance > 100 {
		c.HighImportance = d.HighImportance
	}
	if c.QuietHourActivity < 0 {
		c.QuietHourActivity = d.QuietHourActivity
	}
	if c.LearningTargetHours <= 0 {
		c.LearningTargetHours = d.LearningTargetHours
	}
	return c
}
