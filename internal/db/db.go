// Package db persists a log of tracking sessions: data files opened,
// recordings and calibration summaries. It implements the session's event
// sink so the core never depends on the database directly.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/opengaze/gazetrack/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle with the session-log queries.
type DB struct {
	*sql.DB

	// SessionID identifies this process run in every row.
	SessionID string
}

// NewDB opens (creating if needed) the session database at path and applies
// pending migrations.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	wrapper := &DB{DB: sqldb, SessionID: uuid.NewString()}
	if err := wrapper.applyPragmas(); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := wrapper.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	if _, err := sqldb.Exec(
		`INSERT INTO session (session_id, started_at) VALUES (?, ?)`,
		wrapper.SessionID, time.Now().UnixNano()); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to record session start: %w", err)
	}
	return wrapper, nil
}

// applyPragmas applies the sqlite settings used for a single-writer workload.
func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrationsSource returns the embedded migrations directory.
func migrationsSource() (fs.FS, error) {
	return fs.Sub(migrationsFS, "migrations")
}

// DataFileOpened logs a new data file.
func (db *DB) DataFileOpened(path string) {
	if _, err := db.Exec(
		`INSERT INTO data_file (session_id, path, opened_at) VALUES (?, ?, ?)`,
		db.SessionID, path, time.Now().UnixNano()); err != nil {
		monitoring.Logf("db: failed to record data file: %v", err)
	}
}

// RecordingStarted logs the start of a recording.
func (db *DB) RecordingStarted(t time.Time, message string) {
	if _, err := db.Exec(
		`INSERT INTO recording (session_id, started_at, start_message) VALUES (?, ?, ?)`,
		db.SessionID, t.UnixNano(), message); err != nil {
		monitoring.Logf("db: failed to record recording start: %v", err)
	}
}

// RecordingStopped closes the most recent recording row of this session.
func (db *DB) RecordingStopped(t time.Time, message string, samples int) {
	if _, err := db.Exec(
		`UPDATE recording SET stopped_at = ?, stop_message = ?, samples = ?
		 WHERE id = (SELECT id FROM recording WHERE session_id = ? ORDER BY id DESC LIMIT 1)`,
		t.UnixNano(), message, samples, db.SessionID); err != nil {
		monitoring.Logf("db: failed to record recording stop: %v", err)
	}
}

// CalibrationFinished logs a committed calibration with its summary errors.
func (db *DB) CalibrationFinished(t time.Time, binocular bool, points int, meanErr, maxErr float64) {
	mode := 0
	if binocular {
		mode = 1
	}
	if _, err := db.Exec(
		`INSERT INTO calibration (session_id, finished_at, binocular, points, mean_error, max_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		db.SessionID, t.UnixNano(), mode, points, meanErr, maxErr); err != nil {
		monitoring.Logf("db: failed to record calibration: %v", err)
	}
}

// Recording is one logged recording run.
type Recording struct {
	ID           int64
	SessionID    string
	StartedAt    int64
	StoppedAt    sql.NullInt64
	StartMessage string
	StopMessage  sql.NullString
	Samples      sql.NullInt64
}

// ListRecordings returns the most recent recordings, newest first.
func (db *DB) ListRecordings(limit int) ([]Recording, error) {
	rows, err := db.Query(
		`SELECT id, session_id, started_at, stopped_at, start_message, stop_message, samples
		 FROM recording ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recording
	for rows.Next() {
		var r Recording
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StartedAt, &r.StoppedAt,
			&r.StartMessage, &r.StopMessage, &r.Samples); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
