package habits

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Store owns the learned habits and decides when to persist them.
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	habits domain.HabitsSnapshot

	// Targets modified since the last successful save.
	dirty            map[string]struct{}
	samplesSinceSave int

	// Per-hour switch counter feeding CheckFrequency.
	switchHour       time.Time
	switchesThisHour int

	learningJustCompleted bool
	lastFullSave          time.Time
	lastIncrementalSave   time.Time
	retryAfter            time.Time

	// Serializes writes to the repository.
	persistMu sync.Mutex

	repo   domain.HabitRepository
	cfg    Config
	logger *zap.Logger
}

// NewStore creates a store with empty habits. Call Load to restore saved state.
func NewStore(repo domain.HabitRepository, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		habits: domain.NewHabitsSnapshot(),
		dirty:  make(map[string]struct{}),
		repo:   repo,
		cfg:    cfg.normalize(),
		logger: logger,
	}
}

// Load restores habits from the repository. It is best-effort: on failure the
// store keeps default habits and the error is returned for logging only.
func (s *Store) Load(now time.Time) error {
	snap, err := s.repo.LoadHabits()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Warn("failed to load habits, starting fresh",
			zap.String("path", s.repo.Location()),
			zap.Error(err))
		s.habits = domain.NewHabitsSnapshot()
	case snap == nil:
		s.logger.Info("no saved habits, starting fresh", zap.String("path", s.repo.Location()))
		s.habits = domain.NewHabitsSnapshot()
	default:
		s.habits = sanitize(*snap)
		s.logger.Info("habits loaded",
			zap.String("path", s.repo.Location()),
			zap.Int("apps", len(s.habits.Apps)),
			zap.Int64("save_version", s.habits.SaveVersion),
			zap.Int64("learning_hours", s.habits.Learning.LearningHours))
	}

	s.lastFullSave = now
	s.lastIncrementalSave = now
	s.advanceLearningLocked(now)
	// Restoring a completed state is not a completion event.
	s.learningJustCompleted = false

	if err != nil {
		return fmt.Errorf("%w: load habits: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// RecordTransition folds one observed state change into the statistics.
// previous is how long the target spent in the state it just left; activity is
// the current fraction of targets in the foreground, in [0,1].
func (s *Store) RecordTransition(appID string, nowForeground bool, previous time.Duration, activity float64, at time.Time) {
	if previous < 0 {
		previous = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.habits.Apps[appID]
	if !ok {
		st = domain.NewAppStats()
	}

	today := dayIndex(at)
	if nowForeground {
		st.TotalBackgroundSeconds += previous.Seconds()
	} else {
		st.TotalForegroundSeconds += previous.Seconds()
		if previous > 0 {
			// A completed foreground session, attributed to the hour it began.
			hour := at.Add(-previous).Hour()
			st.UsageCount++
			st.HourlyUsage[hour]++
			st.LastUsageHour = hour
			touchDay(&st, today)
		}
	}
	st.SwitchCount++

	s.habits.Apps[appID] = st
	s.dirty[appID] = struct{}{}
	s.habits.SampleCount++
	s.samplesSinceSave++

	s.updatePatternLocked(appID, nowForeground, activity, at)
	s.advanceLearningLocked(at)

	// Rescore after learning advanced so the scores match what is persisted.
	st = s.habits.Apps[appID]
	rescore(&st, today)
	s.habits.Apps[appID] = st
}

// RecordScreenState records a display state change. When the screen turns off,
// d is how long it was on. When it turns on, importance is refreshed for every
// tracked target so recency decays while the daemon is otherwise idle.
func (s *Store) RecordScreenState(on bool, d time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !on && d > 0 {
		if s.habits.ScreenOnEMA == 0 {
			s.habits.ScreenOnEMA = d.Seconds()
		} else {
			s.habits.ScreenOnEMA = ema(s.habits.ScreenOnEMA, d.Seconds(), s.cfg.ScreenEMAAlpha)
		}
	}

	if on {
		today := dayIndex(at)
		for id, st := range s.habits.Apps {
			before := st.ImportanceWeight
			rescore(&st, today)
			if st.ImportanceWeight != before {
				s.habits.Apps[id] = st
				s.dirty[id] = struct{}{}
			}
		}
	}
	s.advanceLearningLocked(at)
}

// AdvanceLearning moves the learning phase forward to now.
func (s *Store) AdvanceLearning(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLearningLocked(now)
}

// Snapshot returns a deep copy of the current habits.
func (s *Store) Snapshot() domain.HabitsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.habits.Clone()
}

// Stats returns the statistics for one target.
func (s *Store) Stats(appID string) (domain.AppStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.habits.Apps[appID]
	return st, ok
}

// DirtyCount is the number of targets with unsaved changes.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

func (s *Store) updatePatternLocked(appID string, nowForeground bool, activity float64, at time.Time) {
	hour := at.Truncate(time.Hour)
	if !hour.Equal(s.switchHour) {
		s.switchHour = hour
		s.switchesThisHour = 0
	}
	s.switchesThisHour++

	alpha := s.patternAlpha()
	p := &s.habits.Patterns[at.Hour()]
	p.ActivityLevel = clamp(ema(p.ActivityLevel, clamp(activity, 0, 1), alpha), 0, 1)
	p.CheckFrequency = ema(p.CheckFrequency, float64(s.switchesThisHour), alpha)
	if nowForeground {
		p.ActiveApps = touchActive(p.ActiveApps, appID)
	}
}

// touchActive moves appID to the most recent end of the set, evicting the
// oldest entry once the set is full.
func touchActive(apps []string, appID string) []string {
	out := make([]string, 0, domain.MaxActiveAppsPerHour)
	for _, id := range apps {
		if id != appID {
			out = append(out, id)
		}
	}
	out = append(out, appID)
	if n := len(out) - domain.MaxActiveAppsPerHour; n > 0 {
		out = out[n:]
	}
	return out
}

// touchDay updates consecutive-day tracking for a use on day today.
func touchDay(st *domain.AppStats, today int64) {
	switch {
	case st.LastUsedDay == 0 || today-st.LastUsedDay > 1:
		st.ConsecutiveDaysUsed = 1
	case today-st.LastUsedDay == 1:
		st.ConsecutiveDaysUsed++
	case st.ConsecutiveDaysUsed == 0:
		st.ConsecutiveDaysUsed = 1
	}
	if today > st.LastUsedDay {
		st.LastUsedDay = today
	}
}

// dayIndex is the local calendar day of t, counted from the Unix epoch.
func dayIndex(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// sanitize repairs out-of-range values from a stored snapshot. Valid values
// pass through untouched.
func sanitize(snap domain.HabitsSnapshot) domain.HabitsSnapshot {
	out := snap.Clone()
	if out.Apps == nil {
		out.Apps = make(map[string]domain.AppStats)
	}
	for id, st := range out.Apps {
		if st.LastUsageHour < -1 || st.LastUsageHour >= domain.HoursPerDay {
			st.LastUsageHour = -1
		}
		st.UsageCount = nonNegInt(st.UsageCount)
		st.SwitchCount = nonNegInt(st.SwitchCount)
		st.TotalForegroundSeconds = nonNegFloat(st.TotalForegroundSeconds)
		st.TotalBackgroundSeconds = nonNegFloat(st.TotalBackgroundSeconds)
		for h := range st.HourlyUsage {
			st.HourlyUsage[h] = nonNegInt(st.HourlyUsage[h])
		}
		if st.ConsecutiveDaysUsed < 0 {
			st.ConsecutiveDaysUsed = 0
		}
		if st.LastUsedDay < 0 {
			st.LastUsedDay = 0
		}
		st.UsagePatternScore = clamp(st.UsagePatternScore, 0, patternScoreCeiling)
		st.ImportanceWeight = clamp(st.ImportanceWeight, 0, 100)
		out.Apps[id] = st
	}

	for h := range out.Patterns {
		p := &out.Patterns[h]
		p.ActivityLevel = clamp(p.ActivityLevel, 0, 1)
		p.CheckFrequency = nonNegFloat(p.CheckFrequency)
		if n := len(p.ActiveApps) - domain.MaxActiveAppsPerHour; n > 0 {
			p.ActiveApps = p.ActiveApps[n:]
		}
	}

	l := &out.Learning
	if l.LearningHours < 0 {
		l.LearningHours = 0
	}
	if l.Intensity < domain.IntensityHigh || l.Intensity > domain.IntensityStable {
		l.Intensity = domain.IntensityHigh
	}
	if math.IsNaN(l.LearningWeight) || l.LearningWeight <= 0 || l.LearningWeight > 1 {
		l.LearningWeight = 1
	}

	out.ScreenOnEMA = nonNegFloat(out.ScreenOnEMA)
	out.SampleCount = nonNegInt(out.SampleCount)
	out.SaveVersion = nonNegInt(out.SaveVersion)
	return out
}

func nonNegInt(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func nonNegFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
