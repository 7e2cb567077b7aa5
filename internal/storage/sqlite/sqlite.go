// Package sqlite implements the storage contracts on an embedded SQLite
// database. All writes are synchronous; the engine treats them as
// durability-best-effort and never blocks event processing on a failed
// write beyond logging it.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/jmaas/playwarden/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite limitation
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }
func (s *Store) Stats() storage.StatStore       { return &statStore{db: s.db} }
func (s *Store) Limits() storage.LimitStore     { return &limitStore{db: s.db} }
func (s *Store) Events() storage.EventStore     { return &eventStore{db: s.db} }
func (s *Store) Users() storage.UserStore       { return &userStore{db: s.db} }
func (s *Store) Images() storage.ImageStore     { return &imageStore{db: s.db} }

// runMigrations applies all database migrations in order.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for version := 1; version <= len(migrations); version++ {
		if version <= currentVersion {
			continue
		}
		migration := migrations[version]

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

var migrations = map[int]string{
	1:  migration001Sessions,
	2:  migration002UserStats,
	3:  migration003GameStats,
	4:  migration004UserLimits,
	5:  migration005UserAccess,
	6:  migration006Users,
	7:  migration007ShutdownEvents,
	8:  migration008Notifications,
	9:  migration009GameImages,
	10: migration010ShutdownDay,
}

const migration001Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user TEXT NOT NULL,
	game TEXT,
	device_id TEXT,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	duration_seconds INTEGER,
	ended_normally INTEGER NOT NULL DEFAULT 1,
	active INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_sessions_user ON sessions(user, start_time);
CREATE INDEX idx_sessions_active ON sessions(active);
`

const migration002UserStats = `
CREATE TABLE IF NOT EXISTS user_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user TEXT NOT NULL,
	date DATE NOT NULL,
	total_minutes INTEGER NOT NULL DEFAULT 0,
	session_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user, date)
);

CREATE INDEX idx_user_stats_date ON user_stats(user, date);
`

const migration003GameStats = `
CREATE TABLE IF NOT EXISTS game_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user TEXT NOT NULL,
	game TEXT NOT NULL,
	date DATE NOT NULL,
	minutes_played INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user, game, date)
);

CREATE INDEX idx_game_stats_date ON game_stats(user, date);
`

const migration004UserLimits = `
CREATE TABLE IF NOT EXISTS user_limits (
	user TEXT PRIMARY KEY,
	daily_limit_minutes INTEGER,
	weekday_limits TEXT, -- JSON object of weekday (0-6) to minutes
	enabled INTEGER NOT NULL DEFAULT 1
);
`

const migration005UserAccess = `
CREATE TABLE IF NOT EXISTS user_access (
	user TEXT PRIMARY KEY,
	allowed INTEGER NOT NULL DEFAULT 1
);
`

const migration006Users = `
CREATE TABLE IF NOT EXISTS users (
	user TEXT PRIMARY KEY
);
`

const migration007ShutdownEvents = `
CREATE TABLE IF NOT EXISTS shutdown_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user TEXT,
	device_id TEXT,
	reason TEXT,
	mode TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX idx_shutdown_events_user ON shutdown_events(user, created_at);
`

const migration008Notifications = `
CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user TEXT,
	type TEXT,
	message TEXT,
	timestamp TIMESTAMP,
	read INTEGER NOT NULL DEFAULT 0
);
`

const migration009GameImages = `
CREATE TABLE IF NOT EXISTS game_images (
	game TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	last_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// created_at is stored in UTC for ordering; day carries the calendar
// date in the service's zone so the once-per-day escalation does not
// shift around UTC midnight.
const migration010ShutdownDay = `
ALTER TABLE shutdown_events ADD COLUMN day DATE;

CREATE INDEX idx_shutdown_events_day ON shutdown_events(user, day);
`
