package habits

import (
	"math"
	"time"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// advanceLearningLocked moves the learning state forward to at.
// Learning hours never decrease, even if the wall clock jumps backwards.
// Caller must hold s.mu.
func (s *Store) advanceLearningLocked(at time.Time) {
	l := &s.habits.Learning
	if l.StartedAt.IsZero() {
		l.StartedAt = at
	}

	if hours := int64(at.Sub(l.StartedAt) / time.Hour); hours > l.LearningHours {
		l.LearningHours = hours
	}

	l.LearningWeight = s.learningWeight(l.LearningHours)
	l.Intensity = s.intensityFor(l.LearningHours)

	if !l.LearningComplete && l.LearningHours >= s.cfg.LearningTargetHours {
		l.LearningComplete = true
		s.learningJustCompleted = true
		s.logger.Info("learning phase complete")
	}
}

// learningWeight starts at 1 and decays toward the floor, never reaching zero.
func (s *Store) learningWeight(hours int64) float64 {
	w := math.Exp(-float64(hours) / s.cfg.LearningDecayHours)
	return math.Max(w, s.cfg.LearningWeightFloor)
}

func (s *Store) intensityFor(hours int64) domain.LearningIntensity {
	switch {
	case hours >= s.cfg.StableAfterHours:
		return domain.IntensityStable
	case hours >= s.cfg.LowAfterHours:
		return domain.IntensityLow
	case hours >= s.cfg.MediumAfterHours:
		return domain.IntensityMedium
	default:
		return domain.IntensityHigh
	}
}

// patternAlpha is the EMA smoothing factor for time patterns: fast while the
// learning weight is high, slower but never frozen afterwards.
func (s *Store) patternAlpha() float64 {
	return 0.1 + 0.4*s.habits.Learning.LearningWeight
}

func ema(prev, sample, alpha float64) float64 {
	return prev + alpha*(sample-prev)
}
