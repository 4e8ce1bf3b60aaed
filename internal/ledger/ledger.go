package ledger

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - ledger_entries + ledger_events
const currentSchemaVersion = 1

// ErrLocked is returned by Open when another holder has the ledger lock.
var ErrLocked = errors.New("ledger is locked by another process")

// LedgerError wraps storage failures. Any LedgerError is fatal for a run:
// migrations never proceed without idempotency guarantees.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// IsLedgerError reports whether err is a LedgerError.
func IsLedgerError(err error) bool {
	var le *LedgerError
	return errors.As(err, &le)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LedgerError{Op: op, Err: err}
}

// Ledger is the SQLite-backed idempotency ledger.
type Ledger struct {
	db   *sql.DB
	lock *fileLock
	path string
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used when an entry has no timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open acquires the ledger lock and opens (creating if needed) the database
// at path. The lock is held until Close.
func Open(path string, opts ...Option) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("open", fmt.Errorf("create directory: %w", err))
		}
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, wrap("lock", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		_ = lock.release()
		return nil, wrap("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		_ = lock.release()
		return nil, wrap("open", fmt.Errorf("connect: %w", err))
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		_ = lock.release()
		return nil, wrap("open", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		_ = lock.release()
		return nil, wrap("open", err)
	}

	l := &Ledger{db: db, lock: lock, path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database and releases the lock. Safe to call twice.
func (l *Ledger) Close() error {
	var errs []error
	if l.db != nil {
		if err := l.db.Close(); err != nil {
			errs = append(errs, err)
		}
		l.db = nil
	}
	if l.lock != nil {
		if err := l.lock.release(); err != nil {
			errs = append(errs, err)
		}
		l.lock = nil
	}
	if len(errs) > 0 {
		return wrap("close", errors.Join(errs...))
	}
	return nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

func applyPragmas(db *sql.DB) error {
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

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
