package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

const chatID = "com.example.chat"

// Inside the 10:00 hour slot.
var at10 = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func snapshotWith(importance float64) domain.HabitsSnapshot {
	snap := domain.NewHabitsSnapshot()
	st := domain.NewAppStats()
	st.ImportanceWeight = importance
	snap.Apps[chatID] = st
	return snap
}

func activeAt(snap domain.HabitsSnapshot, hour int) domain.HabitsSnapshot {
	snap.Patterns[hour].ActiveApps = []string{chatID}
	return snap
}

func stable(snap domain.HabitsSnapshot) domain.HabitsSnapshot {
	snap.Learning.Intensity = domain.IntensityStable
	snap.Learning.LearningComplete = true
	snap.Learning.LearningHours = 72
	return snap
}

func TestKillInterval_DefaultWithoutStats(t *testing.T) {
	p := New(domain.NewHabitsSnapshot(), DefaultConfig(), at10)
	assert.Equal(t, 10*time.Minute, p.KillInterval(chatID, domain.Pressure{}))
}

func TestKillInterval_ImportanceRange(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name       string
		importance float64
		active     bool
		want       time.Duration
	}{
		{name: "unimportant", importance: 0, want: cfg.KillMin},
		{name: "fully important, inactive hour", importance: 100, want: cfg.KillMax},
		{name: "half important", importance: 50, want: 16 * time.Minute},
		{name: "high importance, active hour", importance: 100, active: true, want: cfg.KillHighMax},
		{name: "high importance midpoint, active hour", importance: 85, active: true, want: 75 * time.Minute},
		{name: "out of range clamps", importance: 250, want: cfg.KillMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotWith(tt.importance)
			if tt.active {
				snap = activeAt(snap, 10)
			}
			p := New(snap, cfg, at10)
			assert.Equal(t, tt.want, p.KillInterval(chatID, domain.Pressure{}))
		})
	}
}

func TestKillInterval_MonotoneInImportance(t *testing.T) {
	prev := time.Duration(0)
	for imp := 0.0; imp <= 100; imp += 5 {
		p := New(snapshotWith(imp), DefaultConfig(), at10)
		got := p.KillInterval(chatID, domain.Pressure{})
		assert.GreaterOrEqual(t, got, prev, "importance %v", imp)
		prev = got
	}
}

func TestKillInterval_WithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	pressures := []domain.Pressure{
		{},
		{MemoryHigh: true},
		{BatteryLow: true},
		{MemoryHigh: true, CPULoadHigh: true},
	}
	for imp := 0.0; imp <= 100; imp += 10 {
		for _, active := range []bool{false, true} {
			snap := snapshotWith(imp)
			if active {
				snap = activeAt(snap, 10)
			}
			p := New(snap, cfg, at10)
			for _, pr := range pressures {
				got := p.KillInterval(chatID, pr)
				assert.GreaterOrEqual(t, got, cfg.KillPressureFloor)
				assert.LessOrEqual(t, got, cfg.KillHighMax)
			}
		}
	}
}

func TestKillInterval_Pressure(t *testing.T) {
	base := 16 * time.Minute // importance 50

	tests := []struct {
		name     string
		pressure domain.Pressure
		want     time.Duration
	}{
		{name: "none", want: base},
		{name: "memory halves", pressure: domain.Pressure{MemoryHigh: true}, want: base / 2},
		{name: "memory and battery", pressure: domain.Pressure{MemoryHigh: true, BatteryLow: true}, want: base / 3},
		{name: "cpu alone", pressure: domain.Pressure{CPULoadHigh: true}, want: time.Duration(float64(base) / 1.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(snapshotWith(50), DefaultConfig(), at10)
			assert.Equal(t, tt.want, p.KillInterval(chatID, tt.pressure))
		})
	}
}

func TestKillInterval_PressureFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillMin = 40 * time.Second

	p := New(snapshotWith(0), cfg, at10)
	assert.Equal(t, 40*time.Second, p.KillInterval(chatID, domain.Pressure{}))
	assert.Equal(t, 30*time.Second, p.KillInterval(chatID, domain.Pressure{MemoryHigh: true}))
}

func TestPressureFactor(t *testing.T) {
	assert.Equal(t, 1.0, PressureFactor(domain.Pressure{}))
	assert.Equal(t, 2.0, PressureFactor(domain.Pressure{MemoryHigh: true}))
	assert.Equal(t, 3.0, PressureFactor(domain.Pressure{MemoryHigh: true, CPULoadHigh: true}))
	assert.Equal(t, 1.5, PressureFactor(domain.Pressure{BatteryLow: true}))
	assert.Equal(t, 1.5, PressureFactor(domain.Pressure{BatteryLow: true, CPULoadHigh: true}))
}

func TestScreenCheckInterval(t *testing.T) {
	cfg := DefaultConfig()

	learning := snapshotWith(0)
	assert.Equal(t, cfg.ScreenCheckMin, New(learning, cfg, at10).ScreenCheckInterval())

	learning.Learning.LearningHours = 36
	learning.Learning.Intensity = domain.IntensityMedium
	mid := New(learning, cfg, at10).ScreenCheckInterval()
	assert.Greater(t, mid, cfg.ScreenCheckMin)
	assert.Less(t, mid, cfg.ScreenCheckMax)

	busy := stable(snapshotWith(0))
	busy.Patterns[10].ActivityLevel = 1
	assert.Equal(t, cfg.ScreenCheckMin, New(busy, cfg, at10).ScreenCheckInterval())

	quiet := stable(snapshotWith(0))
	assert.Equal(t, cfg.ScreenCheckMax, New(quiet, cfg, at10).ScreenCheckInterval())
}

func TestProcessCheckInterval(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		snap domain.HabitsSnapshot
		want time.Duration
	}{
		{name: "learning high", snap: snapshotWith(0), want: cfg.LearningCheckHigh},
		{name: "learning high, active hour", snap: activeAt(snapshotWith(0), 10), want: 15 * time.Second},
		{name: "stable, important", snap: stable(snapshotWith(100)), want: cfg.ProcessCheckMin},
		{name: "stable, unimportant", snap: stable(snapshotWith(0)), want: cfg.ProcessCheckMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.snap, cfg, at10).ProcessCheckInterval(chatID)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, cfg.ProcessCheckMin)
			assert.LessOrEqual(t, got, cfg.ProcessCheckMax)
		})
	}

	low := snapshotWith(0)
	low.Learning.Intensity = domain.IntensityLow
	assert.Equal(t, cfg.LearningCheckLow, New(low, cfg, at10).ProcessCheckInterval(chatID))
}

func TestScreenOffSleepInterval(t *testing.T) {
	cfg := DefaultConfig()

	learning := snapshotWith(0)
	assert.Equal(t, 15*time.Minute, New(learning, cfg, at10).ScreenOffSleepInterval())

	quiet := stable(snapshotWith(0))
	assert.Equal(t, time.Hour, New(quiet, cfg, at10).ScreenOffSleepInterval())

	busy := stable(snapshotWith(0))
	busy.Patterns[10].ActivityLevel = 0.5
	assert.Equal(t, 30*time.Minute, New(busy, cfg, at10).ScreenOffSleepInterval())
}

func TestNormalize_FixesInvertedBounds(t *testing.T) {
	cfg := Config{KillMin: 10 * time.Minute, KillMax: time.Minute, ActiveHourFactor: 3}
	n := cfg.Normalize()

	assert.Equal(t, n.KillMin, n.KillMax)
	assert.GreaterOrEqual(t, n.KillHighMin, n.KillMax)
	assert.Equal(t, DefaultConfig().ActiveHourFactor, n.ActiveHourFactor)
	assert.Equal(t, DefaultConfig().ScreenCheckMin, n.ScreenCheckMin)
}
