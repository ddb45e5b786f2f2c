// Package habits learns per-target usage statistics and time-of-day activity
// from observed foreground/background transitions, and persists them.
package habits

import "time"

// Config controls learning progression and save cadence.
type Config struct {
	FullSaveInterval        time.Duration `mapstructure:"full_save_interval"`
	IncrementalSaveInterval time.Duration `mapstructure:"incremental_save_interval"`
	SaveEverySamples        int           `mapstructure:"save_every_samples"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`

	// Learning intensity steps down at these elapsed hours.
	MediumAfterHours int64 `mapstructure:"medium_after_hours"`
	LowAfterHours    int64 `mapstructure:"low_after_hours"`
	StableAfterHours int64 `mapstructure:"stable_after_hours"`
	// Learning completes at this many hours.
	LearningTargetHours int64 `mapstructure:"learning_target_hours"`

	// Learning weight decays as exp(-hours/LearningDecayHours) down to the floor.
	LearningDecayHours  float64 `mapstructure:"learning_decay_hours"`
	LearningWeightFloor float64 `mapstructure:"learning_weight_floor"`

	// Smoothing for the screen-on duration average.
	ScreenEMAAlpha float64 `mapstructure:"screen_ema_alpha"`
}

// DefaultConfig returns the default habit store configuration.
func DefaultConfig() Config {
	return Config{
		FullSaveInterval:        12 * time.Hour,
		IncrementalSaveInterval: 5 * time.Minute,
		SaveEverySamples:        50,
		RetryBackoff:            time.Minute,

		MediumAfterHours:    24,
		LowAfterHours:       48,
		StableAfterHours:    72,
		LearningTargetHours: 72,

		LearningDecayHours:  48,
		LearningWeightFloor: 0.05,

		ScreenEMAAlpha: 0.2,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.FullSaveInterval <= 0 {
		c.FullSaveInterval = d.FullSaveInterval
	}
	if c.IncrementalSaveInterval <= 0 {
		c.IncrementalSaveInterval = d.IncrementalSaveInterval
	}
	if c.SaveEverySamples <= 0 {
		c.SaveEverySamples = d.SaveEverySamples
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MediumAfterHours <= 0 {
		c.MediumAfterHours = d.MediumAfterHours
	}
	if c.LowAfterHours < c.MediumAfterHours {
		c.LowAfterHours = c.MediumAfterHours
	}
	if c.StableAfterHours < c.LowAfterHours {
		c.StableAfterHours = c.LowAfterHours
	}
	if c.LearningTargetHours <= 0 {
		c.LearningTargetHours = d.LearningTargetHours
	}
	if c.LearningDecayHours <= 0 {
		c.LearningDecayHours = d.LearningDecayHours
	}
	if c.LearningWeightFloor <= 0 || c.LearningWeightFloor >= 1 {
		c.LearningWeightFloor = d.LearningWeightFloor
	}
	if c.ScreenEMAAlpha <= 0 || c.ScreenEMAAlpha > 1 {
		c.ScreenEMAAlpha = d.ScreenEMAAlpha
	}
	return c
}
