// Package store keeps action bindings in SQLite as a flat name/value table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hwkeysd/internal/bindings"
)

// DefaultBusyTimeout is how long a write waits on a lock held by another
// process editing the same database.
const DefaultBusyTimeout = 5 * time.Second

// Store is a bindings.Store backed by SQLite.
type Store struct {
	*bindings.Notifier

	db     *sql.DB
	path   string
	logger *slog.Logger
	// digestFn is Digest outside tests.
	digestFn func() ([32]byte, error)

	mu     sync.Mutex
	digest [32]byte
	closed bool
}

var _ bindings.Store = (*Store)(nil)

// Options tune Open.
type Options struct {
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// Open opens or creates the database at path and runs migrations.
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{Notifier: bindings.NewNotifier(), db: db, path: path, logger: logger}
	s.digestFn = s.Digest
	d, err := s.Digest()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.digest = d
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	if s.isClosed() {
		return bindings.ErrClosed
	}
	return s.db.Ping()
}

// Get returns the value stored for key.
func (s *Store) Get(key string) (string, bool, error) {
	if s.isClosed() {
		return "", false, bindings.ErrClosed
	}

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM system WHERE name = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value.String, true, nil
}

// Put stores value under key and notifies subscribers.
func (s *Store) Put(key, value string) error {
	if s.isClosed() {
		return bindings.ErrClosed
	}
	err := s.write(key, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO system (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`, key, value)
		return err
	}, value, false)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	s.Publish(bindings.Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies subscribers if it existed.
func (s *Store) Delete(key string) error {
	if s.isClosed() {
		return bindings.ErrClosed
	}

	var existed bool
	err := s.write(key, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM system WHERE name = ?`, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		existed = n > 0
		return err
	}, "", true)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	if existed {
		s.Publish(bindings.Change{Key: key, Deleted: true})
	}
	return nil
}

// write runs mutate and appends to the binding log in one transaction, then
// refreshes the cached digest so the file watcher does not report our own
// write as an external edit. The write is durable once committed, so a
// digest failure is only logged; the next CheckExternal then reports a
// refresh.
func (s *Store) write(key string, mutate func(*sql.Tx) error, value string, deleted bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mutate(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO binding_log (name, value, deleted, changed_at) VALUES (?, ?, ?, ?)`,
		key, value, deleted, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("log change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	d, err := s.digestFn()
	if err != nil {
		s.logger.Warn("binding digest failed after write", "key", key, "error", err)
		return nil
	}
	s.mu.Lock()
	s.digest = d
	s.mu.Unlock()
	return nil
}

// All returns every stored binding.
func (s *Store) All() (map[string]string, error) {
	if s.isClosed() {
		return nil, bindings.ErrClosed
	}

	rows, err := s.db.Query(`SELECT name, value FROM system`)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return out, nil
}

// History returns the most recent binding changes, newest first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	if s.isClosed() {
		return nil, bindings.ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, name, value, deleted, changed_at
		FROM binding_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var value sql.NullString
		var changedAt int64
		if err := rows.Scan(&e.ID, &e.Name, &value, &e.Deleted, &changedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Value = value.String
		e.ChangedAt = time.Unix(0, changedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// CheckExternal compares the table against the last known digest and, if
// another process changed it, publishes a full-refresh change. It reports
// whether a change was published.
func (s *Store) CheckExternal() (bool, error) {
	if s.isClosed() {
		return false, bindings.ErrClosed
	}
	d, err := s.Digest()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := d != s.digest
	s.digest = d
	s.mu.Unlock()

	if changed {
		s.Publish(bindings.Change{})
	}
	return changed, nil
}

// MigrationStatus reports applied and pending schema migrations.
func (s *Store) MigrationStatus() (*MigrationStatus, error) {
	if s.isClosed() {
		return nil, bindings.ErrClosed
	}
	return GetMigrationStatus(s.db)
}

// Validate checks that the expected tables exist.
func (s *Store) Validate() error {
	if s.isClosed() {
		return bindings.ErrClosed
	}
	return ValidateSchema(s.db)
}
