package habits

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// SaveKind says which kind of save MaybePersist performed.
type SaveKind int

const (
	SaveNone SaveKind = iota
	SaveIncremental
	SaveFull
)

func (k SaveKind) String() string {
	switch k {
	case SaveIncremental:
		return "incremental"
	case SaveFull:
		return "full"
	default:
		return "none"
	}
}

// MaybePersist saves if a trigger has fired: a full save every
// FullSaveInterval or right after learning completes, an incremental save
// every IncrementalSaveInterval or every SaveEverySamples samples.
func (s *Store) MaybePersist(now time.Time) (SaveKind, error) {
	s.mu.Lock()
	if now.Before(s.retryAfter) {
		s.mu.Unlock()
		return SaveNone, nil
	}
	full := s.learningJustCompleted || now.Sub(s.lastFullSave) >= s.cfg.FullSaveInterval
	incremental := len(s.dirty) > 0 &&
		(now.Sub(s.lastIncrementalSave) >= s.cfg.IncrementalSaveInterval ||
			s.samplesSinceSave >= s.cfg.SaveEverySamples)
	s.mu.Unlock()

	switch {
	case full:
		return SaveFull, s.Persist(true, now)
	case incremental:
		return SaveIncremental, s.Persist(false, now)
	default:
		return SaveNone, nil
	}
}

// Persist writes habits to the repository. A full save bumps the save
// version and replaces everything; an incremental save writes only the
// targets changed since the last save. An incremental save before any full
// save is promoted to a full one. On failure the unsaved changes stay
// pending and are retried on the next trigger.
func (s *Store) Persist(full bool, now time.Time) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if !full && s.habits.SaveVersion == 0 {
		full = true
	}
	if !full && len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}

	pending := s.dirty
	s.dirty = make(map[string]struct{})
	samples := s.samplesSinceSave
	s.samplesSinceSave = 0
	justCompleted := s.learningJustCompleted
	s.learningJustCompleted = false

	var (
		snap  domain.HabitsSnapshot
		delta domain.HabitsDelta
	)
	if full {
		snap = s.habits.Clone()
		snap.SaveVersion++
	} else {
		delta = s.deltaLocked(pending)
	}
	s.mu.Unlock()

	var err error
	if full {
		err = s.repo.SaveFull(snap)
	} else {
		err = s.repo.SaveIncremental(delta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		for id := range pending {
			s.dirty[id] = struct{}{}
		}
		s.samplesSinceSave += samples
		s.learningJustCompleted = s.learningJustCompleted || justCompleted
		s.retryAfter = now.Add(s.cfg.RetryBackoff)
		s.logger.Error("failed to save habits",
			zap.Bool("full", full),
			zap.String("path", s.repo.Location()),
			zap.Int("pending", len(s.dirty)),
			zap.Error(err))
		return fmt.Errorf("%w: save habits: %v", domain.ErrPersistenceFailure, err)
	}

	s.retryAfter = time.Time{}
	s.lastIncrementalSave = now
	if full {
		s.habits.SaveVersion = snap.SaveVersion
		s.lastFullSave = now
		s.logger.Info("habits saved",
			zap.String("kind", SaveFull.String()),
			zap.Int64("save_version", snap.SaveVersion),
			zap.Int("apps", len(snap.Apps)))
	} else {
		s.logger.Debug("habits saved",
			zap.String("kind", SaveIncremental.String()),
			zap.Int64("save_version", delta.SaveVersion),
			zap.Int("apps", len(delta.Apps)))
	}
	return nil
}

// Flush performs a final full save, used on shutdown.
func (s *Store) Flush(now time.Time) error {
	return s.Persist(true, now)
}

func (s *Store) deltaLocked(ids map[string]struct{}) domain.HabitsDelta {
	apps := make(map[string]domain.AppStats, len(ids))
	for id := range ids {
		if st, ok := s.habits.Apps[id]; ok {
			apps[id] = st
		}
	}
	patterns := s.habits.Clone().Patterns
	return domain.HabitsDelta{
		SaveVersion: s.habits.SaveVersion,
		Apps:        apps,
		Patterns:    patterns,
		Learning:    s.habits.Learning,
		ScreenOnEMA: s.habits.ScreenOnEMA,
		SampleCount: s.habits.SampleCount,
	}
}
