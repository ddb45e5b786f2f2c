package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const habitsDBName = "habits.db"

// SQLCipherHabitRepository implements domain.HabitRepository using a
// SQLCipher encrypted SQLite database.
type SQLCipherHabitRepository struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// NewSQLCipherHabitRepository opens (or creates) the encrypted habits database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSQLCipherHabitRepository(dataDir string, key []byte, logger *zap.Logger) (*SQLCipherHabitRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, habitsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between the loop and a forced save.
	db.SetMaxOpenConns(1)

	// A wrong key only surfaces on the first real query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	repo := &SQLCipherHabitRepository{db: db, dbPath: dbPath, logger: logger}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return repo, nil
}

func (r *SQLCipherHabitRepository) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS app_stats (
		app_id TEXT PRIMARY KEY,
		usage_count INTEGER NOT NULL DEFAULT 0,
		total_foreground_seconds REAL NOT NULL DEFAULT 0,
		total_background_seconds REAL NOT NULL DEFAULT 0,
		switch_count INTEGER NOT NULL DEFAULT 0,
		consecutive_days_used INTEGER NOT NULL DEFAULT 0,
		last_used_day INTEGER NOT NULL DEFAULT 0,
		last_usage_hour INTEGER NOT NULL DEFAULT -1,
		hourly_usage TEXT NOT NULL DEFAULT '[]',
		usage_pattern_score REAL NOT NULL DEFAULT 0,
		importance_weight REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS time_patterns (
		hour INTEGER PRIMARY KEY,
		activity_level REAL NOT NULL DEFAULT 0,
		check_frequency REAL NOT NULL DEFAULT 0,
		active_apps TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS learning (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		started_at INTEGER NOT NULL DEFAULT 0,
		learning_hours INTEGER NOT NULL DEFAULT 0,
		learning_complete INTEGER NOT NULL DEFAULT 0,
		learning_weight REAL NOT NULL DEFAULT 1,
		intensity INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// LoadHabits reads every table. Rows that fail to decode are skipped.
// Returns nil when nothing has been saved yet.
func (r *SQLCipherHabitRepository) LoadHabits() (*domain.HabitsSnapshot, error) {
	meta, err := r.readMeta()
	if err != nil {
		return nil, err
	}
	versionStr, ok := meta["save_version"]
	if !ok {
		return nil, nil
	}

	snap := domain.NewHabitsSnapshot()
	snap.SaveVersion, _ = strconv.ParseInt(versionStr, 10, 64)
	snap.ScreenOnEMA, _ = strconv.ParseFloat(meta["screen_on_ema"], 64)
	snap.SampleCount, _ = strconv.ParseInt(meta["sample_count"], 10, 64)

	if err := r.loadApps(&snap); err != nil {
		return nil, err
	}
	if err := r.loadPatterns(&snap); err != nil {
		return nil, err
	}
	if err := r.loadLearning(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *SQLCipherHabitRepository) readMeta() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (r *SQLCipherHabitRepository) loadApps(snap *domain.HabitsSnapshot) error {
	rows, err := r.db.Query(`SELECT app_id, usage_count, total_foreground_seconds, total_background_seconds,
		switch_count, consecutive_days_used, last_used_day, last_usage_hour, hourly_usage,
		usage_pattern_score, importance_weight FROM app_stats`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			hourly string
			st     = domain.NewAppStats()
		)
		if err := rows.Scan(&id, &st.UsageCount, &st.TotalForegroundSeconds, &st.TotalBackgroundSeconds,
			&st.SwitchCount, &st.ConsecutiveDaysUsed, &st.LastUsedDay, &st.LastUsageHour, &hourly,
			&st.UsagePatternScore, &st.ImportanceWeight); err != nil {
			r.logger.Warn("skipping unreadable app stats row", zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(hourly), &st.HourlyUsage); err != nil {
			r.logger.Warn("resetting unreadable hourly usage", zap.String("app", id), zap.Error(err))
			st.HourlyUsage = [domain.HoursPerDay]int64{}
		}
		snap.Apps[id] = st
	}
	return rows.Err()
}

func (r *SQLCipherHabitRepository) loadPatterns(snap *domain.HabitsSnapshot) error {
	rows, err := r.db.Query(`SELECT hour, activity_level, check_frequency, active_apps FROM time_patterns`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hour int
			apps string
			p    domain.TimePattern
		)
		if err := rows.Scan(&hour, &p.ActivityLevel, &p.CheckFrequency, &apps); err != nil {
			r.logger.Warn("skipping unreadable time pattern row", zap.Error(err))
			continue
		}
		if hour < 0 || hour >= domain.HoursPerDay {
			continue
		}
		if err := json.Unmarshal([]byte(apps), &p.ActiveApps); err != nil {
			p.ActiveApps = nil
		}
		snap.Patterns[hour] = p
	}
	return rows.Err()
}

func (r *SQLCipherHabitRepository) loadLearning(snap *domain.HabitsSnapshot) error {
	var (
		startedAt int64
		complete  int
		intensity int
		l         domain.LearningState
	)
	err := r.db.QueryRow(`SELECT started_at, learning_hours, learning_complete, learning_weight, intensity
		FROM learning WHERE id = 1`).Scan(&startedAt, &l.LearningHours, &complete, &l.LearningWeight, &intensity)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.logger.Warn("using default learning state", zap.Error(err))
		return nil
	}
	if startedAt != 0 {
		l.StartedAt = time.Unix(0, startedAt)
	}
	l.LearningComplete = complete != 0
	l.Intensity = domain.LearningIntensity(intensity)
	snap.Learning = l
	return nil
}

// SaveFull replaces every row inside one transaction.
func (r *SQLCipherHabitRepository) SaveFull(snapshot domain.HabitsSnapshot) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM app_stats`); err != nil {
		return err
	}
	if err := upsertApps(tx, snapshot.Apps); err != nil {
		return err
	}
	if err := writeGlobals(tx, snapshot.Patterns, snapshot.Learning); err != nil {
		return err
	}
	if err := writeMeta(tx, map[string]string{
		"save_version":  strconv.FormatInt(snapshot.SaveVersion, 10),
		"screen_on_ema": strconv.FormatFloat(snapshot.ScreenOnEMA, 'g', -1, 64),
		"sample_count":  strconv.FormatInt(snapshot.SampleCount, 10),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveIncremental upserts the modified targets and the global sections.
// The save version is left as is.
func (r *SQLCipherHabitRepository) SaveIncremental(delta domain.HabitsDelta) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertApps(tx, delta.Apps); err != nil {
		return err
	}
	if err := writeGlobals(tx, delta.Patterns, delta.Learning); err != nil {
		return err
	}
	if err := writeMeta(tx, map[string]string{
		"screen_on_ema": strconv.FormatFloat(delta.ScreenOnEMA, 'g', -1, 64),
		"sample_count":  strconv.FormatInt(delta.SampleCount, 10),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertApps(tx *sql.Tx, apps map[string]domain.AppStats) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO app_stats (app_id, usage_count, total_foreground_seconds,
		total_background_seconds, switch_count, consecutive_days_used, last_used_day, last_usage_hour,
		hourly_usage, usage_pattern_score, importance_weight) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, st := range apps {
		hourly, err := json.Marshal(st.HourlyUsage)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(id, st.UsageCount, st.TotalForegroundSeconds, st.TotalBackgroundSeconds,
			st.SwitchCount, st.ConsecutiveDaysUsed, st.LastUsedDay, st.LastUsageHour, string(hourly),
			st.UsagePatternScore, st.ImportanceWeight); err != nil {
			return fmt.Errorf("failed to save stats for %s: %w", id, err)
		}
	}
	return nil
}

func writeGlobals(tx *sql.Tx, patterns [domain.HoursPerDay]domain.TimePattern, l domain.LearningState) error {
	for hour, p := range patterns {
		apps, err := json.Marshal(p.ActiveApps)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO time_patterns (hour, activity_level, check_frequency, active_apps)
			VALUES (?, ?, ?, ?)`, hour, p.ActivityLevel, p.CheckFrequency, string(apps)); err != nil {
			return fmt.Errorf("failed to save time pattern %d: %w", hour, err)
		}
	}

	var startedAt int64
	if !l.StartedAt.IsZero() {
		startedAt = l.StartedAt.UnixNano()
	}
	complete := 0
	if l.LearningComplete {
		complete = 1
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO learning (id, started_at, learning_hours, learning_complete,
		learning_weight, intensity) VALUES (1, ?, ?, ?, ?, ?)`,
		startedAt, l.LearningHours, complete, l.LearningWeight, int(l.Intensity)); err != nil {
		return fmt.Errorf("failed to save learning state: %w", err)
	}
	return nil
}

func writeMeta(tx *sql.Tx, values map[string]string) error {
	for k, v := range values {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to save %s: %w", k, err)
		}
	}
	return nil
}

// Location returns the database file path.
func (r *SQLCipherHabitRepository) Location() string {
	return r.dbPath
}

// Close releases the database connection.
func (r *SQLCipherHabitRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ensure SQLCipherHabitRepository implements domain.HabitRepository.
var _ domain.HabitRepository = (*SQLCipherHabitRepository)(nil)
