// Package statedb persists scheduler loop state and delivery history in a
// SQLite database so loops survive a daemon restart.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database. Thread-safe for concurrent use from
// multiple goroutines within one process; WAL mode + busy timeout make
// cross-process access safe too.
type StateDB struct {
	db *sql.DB
}

// LoopRow is the durable snapshot of one session's loop.
type LoopRow struct {
	Session      string
	Active       bool
	Paused       bool
	DelayMinutes int
	// RemainingMS is the snapshotted time-to-next-fire in milliseconds,
	// captured at pause or shutdown so a restore fires on the original
	// cadence instead of restarting the interval.
	RemainingMS int64
	LastFire    time.Time
	UpdatedAt   time.Time
}

// DeliveryRow records one message-delivery attempt.
type DeliveryRow struct {
	ID        string
	Session   string
	Message   string
	Source    string // which rule (or "custom") produced the message
	OK        bool
	Error     string
	CreatedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy
// timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS loops (
			session       TEXT PRIMARY KEY,
			active        INTEGER NOT NULL DEFAULT 0,
			paused        INTEGER NOT NULL DEFAULT 0,
			delay_minutes INTEGER NOT NULL DEFAULT 0,
			remaining_ms  INTEGER NOT NULL DEFAULT 0,
			last_fire     INTEGER NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create loops: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id         TEXT PRIMARY KEY,
			session    TEXT NOT NULL,
			message    TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			ok         INTEGER NOT NULL DEFAULT 0,
			error      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create deliveries: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SaveLoop inserts or replaces one loop row.
func (s *StateDB) SaveLoop(row *LoopRow) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO loops (
			session, active, paused, delay_minutes, remaining_ms, last_fire, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		row.Session, boolInt(row.Active), boolInt(row.Paused), row.DelayMinutes,
		row.RemainingMS, row.LastFire.UnixMilli(), time.Now().UnixMilli(),
	)
	return err
}

// SaveLoops replaces the whole loops table in one transaction. Sessions not
// in the list are removed so stopped loops don't restart on restore.
func (s *StateDB) SaveLoops(rows []*LoopRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM loops"); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, row := range rows {
		if _, err := tx.Exec(`
			INSERT INTO loops (
				session, active, paused, delay_minutes, remaining_ms, last_fire, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			row.Session, boolInt(row.Active), boolInt(row.Paused), row.DelayMinutes,
			row.RemainingMS, row.LastFire.UnixMilli(), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadLoops returns all persisted loop rows.
func (s *StateDB) LoadLoops() ([]*LoopRow, error) {
	rows, err := s.db.Query(`
		SELECT session, active, paused, delay_minutes, remaining_ms, last_fire
		FROM loops ORDER BY session
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*LoopRow
	for rows.Next() {
		var (
			row            LoopRow
			active, paused int
			lastFire       int64
		)
		if err := rows.Scan(&row.Session, &active, &paused, &row.DelayMinutes,
			&row.RemainingMS, &lastFire); err != nil {
			return nil, err
		}
		row.Active = active != 0
		row.Paused = paused != 0
		row.LastFire = time.UnixMilli(lastFire)
		result = append(result, &row)
	}
	return result, rows.Err()
}

// DeleteLoop removes one loop row.
func (s *StateDB) DeleteLoop(session string) error {
	_, err := s.db.Exec("DELETE FROM loops WHERE session = ?", session)
	return err
}

// RecordDelivery appends a delivery-attempt row and returns its ID.
func (s *StateDB) RecordDelivery(session, message, source string, ok bool, deliveryErr error) (string, error) {
	id := uuid.NewString()
	errText := ""
	if deliveryErr != nil {
		errText = deliveryErr.Error()
	}
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, session, message, source, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, session, message, source, boolInt(ok), errText, time.Now().UnixMilli())
	return id, err
}

// RecentDeliveries returns the most recent delivery rows, newest first.
// An empty session matches all sessions.
func (s *StateDB) RecentDeliveries(session string, limit int) ([]*DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session, message, source, ok, error, created_at
		FROM deliveries
	`
	args := []any{}
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DeliveryRow
	for rows.Next() {
		var (
			row       DeliveryRow
			ok        int
			createdAt int64
		)
		if err := rows.Scan(&row.ID, &row.Session, &row.Message, &row.Source,
			&ok, &row.Error, &createdAt); err != nil {
			return nil, err
		}
		row.OK = ok != 0
		row.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, &row)
	}
	return result, rows.Err()
}

// PruneDeliveries removes delivery rows older than the cutoff.
func (s *StateDB) PruneDeliveries(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec("DELETE FROM deliveries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
