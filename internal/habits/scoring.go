package habits

import (
	"math"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Normalization ranges for the usage pattern score. A component reaches 1.0
// at these values.
const (
	fullUsageCount      = 50.0
	fullForegroundHours = 10.0
	fullSwitchCount     = 100.0
	fullConsecutiveDays = 7.0
	fullDiverseHours    = 12.0

	patternScoreCeiling = 1.0

	// Importance = pattern share + raw foreground-hours share + recency share.
	importancePatternShare = 60.0
	importanceHoursShare   = 25.0
	importanceRecencyShare = 15.0
	importanceFullHours    = 20.0
	recencyHalfLifeDays    = 7.0
)

// Component weights; they sum to 1.0.
var patternWeights = struct {
	frequency, duration, switching, consecutive, diversity float64
}{0.30, 0.25, 0.15, 0.15, 0.15}

// usagePatternScore combines frequency, duration, switching, consecutive
// days and hour-of-day diversity into [0, patternScoreCeiling].
func usagePatternScore(s domain.AppStats) float64 {
	diverse := 0
	for _, n := range s.HourlyUsage {
		if n > 0 {
			diverse++
		}
	}

	score := patternWeights.frequency*ratio(float64(s.UsageCount), fullUsageCount) +
		patternWeights.duration*ratio(s.TotalForegroundSeconds/3600, fullForegroundHours) +
		patternWeights.switching*ratio(float64(s.SwitchCount), fullSwitchCount) +
		patternWeights.consecutive*ratio(float64(s.ConsecutiveDaysUsed), fullConsecutiveDays) +
		patternWeights.diversity*ratio(float64(diverse), fullDiverseHours)

	return math.Min(score, patternScoreCeiling)
}

// importanceWeight combines the pattern score, raw foreground hours and a
// recency factor, clamped to [0,100]. Every term is non-decreasing in
// foreground time and usage count.
func importanceWeight(s domain.AppStats, today int64) float64 {
	w := importancePatternShare*s.UsagePatternScore +
		importanceHoursShare*ratio(s.TotalForegroundSeconds/3600, importanceFullHours) +
		importanceRecencyShare*recency(s, today)
	return clamp(w, 0, 100)
}

// recency decays with days since last use; consecutive daily use slows it.
func recency(s domain.AppStats, today int64) float64 {
	if s.LastUsedDay <= 0 || s.UsageCount == 0 {
		return 0
	}
	days := float64(today - s.LastUsedDay)
	if days < 0 {
		days = 0
	}
	halfLife := recencyHalfLifeDays * (1 + ratio(float64(s.ConsecutiveDaysUsed), fullConsecutiveDays))
	return math.Pow(2, -days/halfLife)
}

// rescore recomputes the derived scores in place.
func rescore(s *domain.AppStats, today int64) {
	s.UsagePatternScore = usagePatternScore(*s)
	s.ImportanceWeight = importanceWeight(*s, today)
}

func ratio(v, full float64) float64 {
	if v <= 0 || full <= 0 {
		return 0
	}
	return math.Min(v/full, 1)
}

func clamp(v, min, max float64) float64 {
	if math.IsNaN(v) {
		return min
	}
	return math.Max(min, math.Min(max, v))
}
