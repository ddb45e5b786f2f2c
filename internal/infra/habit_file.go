package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

const (
	habitsFileName      = "habits.json"
	habitsDeltaFileName = "habits.delta.json"
)

// habitsFile is the on-disk shape shared by the base file and the delta
// journal. Sections are decoded independently so one bad record does not
// discard the rest.
type habitsFile struct {
	SaveVersion int64                      `json:"save_version"`
	Apps        map[string]json.RawMessage `json:"apps"`
	Patterns    json.RawMessage            `json:"time_patterns,omitempty"`
	Learning    json.RawMessage            `json:"learning,omitempty"`
	ScreenOnEMA float64                    `json:"screen_on_ema_seconds"`
	SampleCount int64                      `json:"sample_count"`
}

// FileHabitRepository implements domain.HabitRepository with a JSON base
// file plus a JSON delta journal of targets changed since the last full save.
type FileHabitRepository struct {
	path      string
	deltaPath string
	logger    *zap.Logger
}

// NewFileHabitRepository creates a repository under dataDir.
func NewFileHabitRepository(dataDir string, logger *zap.Logger) *FileHabitRepository {
	return NewFileHabitRepositoryWithPath(filepath.Join(dataDir, habitsFileName), logger)
}

// NewFileHabitRepositoryWithPath creates a repository at a specific base path.
// The delta journal lives next to it.
func NewFileHabitRepositoryWithPath(path string, logger *zap.Logger) *FileHabitRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHabitRepository{
		path:      path,
		deltaPath: filepath.Join(filepath.Dir(path), habitsDeltaFileName),
		logger:    logger,
	}
}

// LoadHabits reads the base file and overlays the delta journal when both
// carry the same save version.
func (r *FileHabitRepository) LoadHabits() (*domain.HabitsSnapshot, error) {
	base, err := readHabitsFile(r.path)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, nil
	}

	snap := domain.NewHabitsSnapshot()
	r.apply(&snap, base)

	delta, err := readHabitsFile(r.deltaPath)
	switch {
	case err != nil:
		r.logger.Warn("ignoring unreadable habits delta", zap.String("path", r.deltaPath), zap.Error(err))
	case delta == nil:
	case delta.SaveVersion != base.SaveVersion:
		r.logger.Info("ignoring stale habits delta",
			zap.Int64("delta_version", delta.SaveVersion),
			zap.Int64("base_version", base.SaveVersion))
	default:
		r.apply(&snap, delta)
	}

	snap.SaveVersion = base.SaveVersion
	return &snap, nil
}

// SaveFull writes the whole snapshot and drops the delta journal.
func (r *FileHabitRepository) SaveFull(snapshot domain.HabitsSnapshot) error {
	apps, err := marshalApps(snapshot.Apps, nil)
	if err != nil {
		return err
	}
	data, err := encodeHabitsFile(snapshot.SaveVersion, apps, snapshot.Patterns,
		snapshot.Learning, snapshot.ScreenOnEMA, snapshot.SampleCount)
	if err != nil {
		return err
	}
	if err := atomicWriteFile(r.path, data, 0600); err != nil {
		return err
	}
	// A leftover journal carries an older version and would be ignored anyway.
	if err := os.Remove(r.deltaPath); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove habits delta", zap.String("path", r.deltaPath), zap.Error(err))
	}
	return nil
}

// SaveIncremental merges the delta into the journal for the same save version.
func (r *FileHabitRepository) SaveIncremental(delta domain.HabitsDelta) error {
	var prior map[string]json.RawMessage
	existing, err := readHabitsFile(r.deltaPath)
	if err != nil {
		r.logger.Warn("rewriting unreadable habits delta", zap.String("path", r.deltaPath), zap.Error(err))
	}
	if existing != nil && existing.SaveVersion == delta.SaveVersion {
		prior = existing.Apps
	}

	apps, err := marshalApps(delta.Apps, prior)
	if err != nil {
		return err
	}
	data, err := encodeHabitsFile(delta.SaveVersion, apps, delta.Patterns,
		delta.Learning, delta.ScreenOnEMA, delta.SampleCount)
	if err != nil {
		return err
	}
	return atomicWriteFile(r.deltaPath, data, 0600)
}

// Location returns the base file path.
func (r *FileHabitRepository) Location() string {
	return r.path
}

// Close is a no-op for the file repository.
func (r *FileHabitRepository) Close() error {
	return nil
}

// apply decodes each section of f into snap, skipping what does not parse.
func (r *FileHabitRepository) apply(snap *domain.HabitsSnapshot, f *habitsFile) {
	for id, raw := range f.Apps {
		st := domain.NewAppStats()
		if err := json.Unmarshal(raw, &st); err != nil {
			r.logger.Warn("skipping unreadable app stats", zap.String("app", id), zap.Error(err))
			continue
		}
		snap.Apps[id] = st
	}

	if len(f.Patterns) > 0 {
		var patterns [domain.HoursPerDay]domain.TimePattern
		if err := json.Unmarshal(f.Patterns, &patterns); err != nil {
			r.logger.Warn("skipping unreadable time patterns", zap.Error(err))
		} else {
			snap.Patterns = patterns
		}
	}

	if len(f.Learning) > 0 {
		learning := snap.Learning
		if err := json.Unmarshal(f.Learning, &learning); err != nil {
			r.logger.Warn("skipping unreadable learning state", zap.Error(err))
		} else {
			snap.Learning = learning
		}
	}

	snap.ScreenOnEMA = f.ScreenOnEMA
	snap.SampleCount = f.SampleCount
}

func readHabitsFile(path string) (*habitsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var f habitsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// marshalApps encodes apps on top of the already-encoded prior records.
func marshalApps(apps map[string]domain.AppStats, prior map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(apps)+len(prior))
	for id, raw := range prior {
		out[id] = raw
	}
	for id, st := range apps {
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to encode stats for %s: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

func encodeHabitsFile(version int64, apps map[string]json.RawMessage, patterns [domain.HoursPerDay]domain.TimePattern,
	learning domain.LearningState, screenEMA float64, samples int64) ([]byte, error) {
	p, err := json.Marshal(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode time patterns: %w", err)
	}
	l, err := json.Marshal(learning)
	if err != nil {
		return nil, fmt.Errorf("failed to encode learning state: %w", err)
	}
	data, err := json.MarshalIndent(habitsFile{
		SaveVersion: version,
		Apps:        apps,
		Patterns:    p,
		Learning:    l,
		ScreenOnEMA: screenEMA,
		SampleCount: samples,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode habits: %w", err)
	}
	return data, nil
}

// Ensure FileHabitRepository implements domain.HabitRepository.
var _ domain.HabitRepository = (*FileHabitRepository)(nil)
