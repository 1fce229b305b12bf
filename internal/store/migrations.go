package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Migration is one numbered schema step with its inverse.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations are applied in slice order; Version must equal index+1.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Binding name/value table",
		Up: `CREATE TABLE IF NOT EXISTS system (
			_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name  TEXT UNIQUE NOT NULL,
			value TEXT
		);`,
		Down: `DROP TABLE IF EXISTS system;`,
	},
	{
		Version:     2,
		Description: "Binding change log",
		Up: `CREATE TABLE IF NOT EXISTS binding_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			value      TEXT,
			deleted    INTEGER NOT NULL DEFAULT 0,
			changed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_binding_log_name ON binding_log(name, changed_at);`,
		Down: `DROP INDEX IF EXISTS idx_binding_log_name;
		DROP TABLE IF EXISTS binding_log;`,
	},
}

// schemaTables must all exist in a migrated database.
var schemaTables = []string{"system", "binding_log", "schema_migrations"}

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  INTEGER NOT NULL,
	description TEXT
)`

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is one recorded schema step.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

func schemaVersion(q interface {
	QueryRow(string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings the schema up to the latest version. Each step runs in
// its own transaction so a failure leaves the earlier steps applied.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", current, len(migrations))
	}

	for _, m := range migrations[current:] {
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration undoes the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}
	if current > len(migrations) {
		return fmt.Errorf("migration %d is unknown to this build", current)
	}

	m := migrations[current-1]
	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", m.Version, err)
	}
	return nil
}

// GetMigrationStatus lists applied and pending migrations. A database
// without the version table reports everything pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: len(migrations)}

	rows, err := db.Query(`SELECT version, applied_at, description FROM schema_migrations ORDER BY version`)
	if err != nil {
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var (
			a  AppliedMigration
			ns int64
		)
		if err := rows.Scan(&a.Version, &ns, &a.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		a.AppliedAt = time.Unix(0, ns)
		status.Applied = append(status.Applied, a)
		applied[a.Version] = true
		status.CurrentVersion = max(status.CurrentVersion, a.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema reports the first missing table.
func ValidateSchema(db *sql.DB) error {
	for _, table := range schemaTables {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}
