package infra

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

var snapshotOpts = cmp.Options{
	cmpopts.EquateApprox(0, 1e-9),
	cmpopts.EquateEmpty(),
}

func sampleSnapshot(version int64) domain.HabitsSnapshot {
	snap := domain.NewHabitsSnapshot()
	snap.SaveVersion = version
	snap.ScreenOnEMA = 312.5
	snap.SampleCount = 42

	chat := domain.NewAppStats()
	chat.UsageCount = 17
	chat.TotalForegroundSeconds = 5400.25
	chat.TotalBackgroundSeconds = 12000
	chat.SwitchCount = 34
	chat.ConsecutiveDaysUsed = 3
	chat.LastUsedDay = 20500
	chat.LastUsageHour = 21
	chat.HourlyUsage[9] = 4
	chat.HourlyUsage[21] = 13
	chat.UsagePatternScore = 0.62
	chat.ImportanceWeight = 71.3
	snap.Apps["com.example.chat"] = chat
	snap.Apps["com.example.video"] = domain.NewAppStats()

	snap.Patterns[21] = domain.TimePattern{
		ActivityLevel:  0.8,
		CheckFrequency: 3,
		ActiveApps:     []string{"com.example.chat"},
	}
	snap.Learning = domain.LearningState{
		StartedAt:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		LearningHours:  30,
		LearningWeight: 0.7,
		Intensity:      domain.IntensityMedium,
	}
	return snap
}

func deltaFrom(snap domain.HabitsSnapshot, ids ...string) domain.HabitsDelta {
	d := domain.HabitsDelta{
		SaveVersion: snap.SaveVersion,
		Apps:        make(map[string]domain.AppStats),
		Patterns:    snap.Patterns,
		Learning:    snap.Learning,
		ScreenOnEMA: snap.ScreenOnEMA,
		SampleCount: snap.SampleCount,
	}
	for _, id := range ids {
		d.Apps[id] = snap.Apps[id]
	}
	return d
}

func TestFileHabitRepository_LoadMissing(t *testing.T) {
	repo := NewFileHabitRepository(t.TempDir(), nil)

	snap, err := repo.LoadHabits()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileHabitRepository_FullRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileHabitRepository(dir, nil)
	want := sampleSnapshot(3)

	require.NoError(t, repo.SaveFull(want))
	assert.Equal(t, filepath.Join(dir, "habits.json"), repo.Location())

	got, err := repo.LoadHabits()
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, *got, snapshotOpts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(repo.Location())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileHabitRepository_DeltaOverlay(t *testing.T) {
	repo := NewFileHabitRepository(t.TempDir(), nil)
	base := sampleSnapshot(5)
	require.NoError(t, repo.SaveFull(base))

	updated := base.Clone()
	chat := updated.Apps["com.example.chat"]
	chat.UsageCount++
	chat.ImportanceWeight = 74
	updated.Apps["com.example.chat"] = chat
	updated.SampleCount = 50
	require.NoError(t, repo.SaveIncremental(deltaFrom(updated, "com.example.chat")))

	// A second delta for a different target keeps the first one
	music := domain.NewAppStats()
	music.UsageCount = 2
	updated.Apps["com.example.music"] = music
	require.NoError(t, repo.SaveIncremental(deltaFrom(updated, "com.example.music")))

	got, err := repo.LoadHabits()
	require.NoError(t, err)
	if diff := cmp.Diff(updated, *got, snapshotOpts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestFileHabitRepository_StaleDeltaIgnored(t *testing.T) {
	repo := NewFileHabitRepository(t.TempDir(), nil)
	base := sampleSnapshot(7)
	require.NoError(t, repo.SaveFull(base))

	stale := base.Clone()
	stale.SaveVersion = 6
	chat := stale.Apps["com.example.chat"]
	chat.UsageCount = 999
	stale.Apps["com.example.chat"] = chat
	require.NoError(t, repo.SaveIncremental(deltaFrom(stale, "com.example.chat")))

	got, err := repo.LoadHabits()
	require.NoError(t, err)
	assert.Equal(t, int64(17), got.Apps["com.example.chat"].UsageCount)
	assert.Equal(t, int64(7), got.SaveVersion)
}

func TestFileHabitRepository_FullSaveDropsDelta(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileHabitRepository(dir, nil)
	snap := sampleSnapshot(1)
	require.NoError(t, repo.SaveFull(snap))
	require.NoError(t, repo.SaveIncremental(deltaFrom(snap, "com.example.chat")))
	require.FileExists(t, filepath.Join(dir, "habits.delta.json"))

	snap.SaveVersion = 2
	require.NoError(t, repo.SaveFull(snap))
	assert.NoFileExists(t, filepath.Join(dir, "habits.delta.json"))
}

func TestFileHabitRepository_SkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileHabitRepository(dir, nil)
	require.NoError(t, repo.SaveFull(sampleSnapshot(2)))

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(repo.Location())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))

	raw["apps"] = json.RawMessage(`{
		"com.example.chat": {"usage_count": "many"},
		"com.example.video": {"usage_count": 4, "last_usage_hour": 8}
	}`)
	raw["time_patterns"] = json.RawMessage(`"garbage"`)
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(repo.Location(), data, 0600))

	got, err := repo.LoadHabits()
	require.NoError(t, err)
	assert.NotContains(t, got.Apps, "com.example.chat")
	assert.Equal(t, int64(4), got.Apps["com.example.video"].UsageCount)
	assert.Equal(t, 8, got.Apps["com.example.video"].LastUsageHour)
	assert.Equal(t, [domain.HoursPerDay]domain.TimePattern{}, got.Patterns)
	assert.Equal(t, int64(30), got.Learning.LearningHours, "intact sections still load")
}

func TestFileHabitRepository_UnparsableBase(t *testing.T) {
	repo := NewFileHabitRepository(t.TempDir(), nil)
	require.NoError(t, os.WriteFile(repo.Location(), []byte("{truncated"), 0600))

	_, err := repo.LoadHabits()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestFileHabitRepository_UnreadableDeltaIgnored(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileHabitRepository(dir, nil)
	want := sampleSnapshot(4)
	require.NoError(t, repo.SaveFull(want))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "habits.delta.json"), []byte("nope"), 0600))

	got, err := repo.LoadHabits()
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got, snapshotOpts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// The next incremental save replaces the broken journal
	require.NoError(t, repo.SaveIncremental(deltaFrom(want, "com.example.chat")))
	_, err = repo.LoadHabits()
	assert.NoError(t, err)
}
