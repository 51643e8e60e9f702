// Package taskstore keeps the history of finished scheduler tasks in
// SQLite so it survives the in-memory retention window.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("taskstore: not found")

// Record is one finished task. Timestamps are RFC3339 with nanoseconds,
// empty when the task never reached that stage.
type Record struct {
	ID          string `json:"id"`
	Class       string `json:"class"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	QueuedAt    string `json:"queued_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at"`
	DurationMs  int64  `json:"duration_ms"`
}

type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path with WAL mode and a 5 second
// busy timeout, migrating the schema to the latest version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("taskstore: %s: %w", p, err)
		}
	}

	if err := migrate(db, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	v, err := schemaVersion(s.db)
	if err != nil {
		return 0, fmt.Errorf("taskstore: %w", err)
	}
	return v, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("taskstore: ping: %w", err)
	}
	return nil
}

// Insert writes records in a single transaction. A record with an existing
// ID replaces the old row.
func (s *Store) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO tasks
		(id, class, name, status, error, queued_at, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("taskstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Class, r.Name, r.Status, r.Error,
			r.QueuedAt, r.StartedAt, r.CompletedAt, r.DurationMs); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("taskstore: insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("taskstore: commit: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, class, name, status, error, queued_at, started_at, completed_at, duration_ms FROM tasks`

// Get returns the record with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id).Scan(
		&r.ID, &r.Class, &r.Name, &r.Status, &r.Error, &r.QueuedAt, &r.StartedAt, &r.CompletedAt, &r.DurationMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("taskstore: get: %w", err)
	}
	return r, nil
}

// List returns up to limit records, most recently completed first,
// optionally filtered by class.
func (s *Store) List(ctx context.Context, limit int, class string) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectColumns
	args := []any{}
	if class != "" {
		query += ` WHERE class = ?`
		args = append(args, class)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Class, &r.Name, &r.Status, &r.Error,
			&r.QueuedAt, &r.StartedAt, &r.CompletedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("taskstore: scan: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskstore: rows: %w", err)
	}
	return records, nil
}

// Count returns the number of records per status.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("taskstore: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("taskstore: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PurgeOlderThan deletes records completed before cutoff and returns how
// many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE completed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("taskstore: purge: %w", err)
	}
	return res.RowsAffected()
}

// timeLayout sorts lexically in time order, which purge and list rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
