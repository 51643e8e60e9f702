package taskstore

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"
)

// migration is one schema step. Versions are sequential from 1 and the
// applied version is kept in PRAGMA user_version.
type migration struct {
	version     int
	description string
	stmts       []string
}

var migrations = []migration{
	{1, "create tasks table", []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			class        TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			queued_at    TEXT NOT NULL,
			started_at   TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0
		)`,
	}},
	{2, "index completion time and class", []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_class ON tasks(class)`,
	}},
}

// latestVersion is the schema version a freshly migrated database reports.
func latestVersion() int {
	return migrations[len(migrations)-1].version
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

// migrate applies pending migrations in order. A database that already
// holds data is copied to path.bak.<unix> first; a new one is not.
func migrate(db *sql.DB, path string) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("schema version %d is newer than supported %d", current, latestVersion())
	}
	if current == latestVersion() {
		return nil
	}
	if current > 0 {
		if _, err := backup(path); err != nil {
			return fmt.Errorf("pre-migration backup: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set version after migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func backup(path string) (string, error) {
	backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().Unix())

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source db for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy db to backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync backup file: %w", err)
	}
	return backupPath, nil
}
