package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Status is the recorded outcome of a step in one environment.
type Status string

const (
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Entry is one ledger row.
type Entry struct {
	StepName      string    `json:"step_name"`
	EnvironmentID string    `json:"environment_id"`
	Status        Status    `json:"status"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	Attempts      int       `json:"attempts"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Filter narrows Entries. Zero values match everything.
type Filter struct {
	EnvironmentID string
	Status        Status
}

// timeLayout has fixed-width fractional seconds so stored values sort
// lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HasApplied reports whether step has an Applied entry for environment.
func (l *Ledger) HasApplied(ctx context.Context, stepName, environmentID string) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE step_name = ? AND environment_id = ? AND status = 'applied'
	`, stepName, environmentID).Scan(&count)
	if err != nil {
		return false, wrap("has applied", err)
	}
	return count > 0, nil
}

// RecordApplied marks step applied to environment. Recording an already
// applied step is a no-op.
func (l *Ledger) RecordApplied(ctx context.Context, e Entry) error {
	e.Status = StatusApplied
	return l.record(ctx, "record applied", e, `
		INSERT INTO ledger_entries
		(step_name, environment_id, status, tx_hash, reason, fingerprint, run_id, attempts, recorded_at)
		VALUES (?, ?, 'applied', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_name, environment_id) DO UPDATE SET
			status = 'applied',
			tx_hash = excluded.tx_hash,
			reason = excluded.reason,
			fingerprint = excluded.fingerprint,
			run_id = excluded.run_id,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at
		WHERE ledger_entries.status = 'failed'
	`)
}

// RecordFailed marks step failed for environment. A Failed record never
// replaces an Applied one.
func (l *Ledger) RecordFailed(ctx context.Context, e Entry) error {
	e.Status = StatusFailed
	return l.record(ctx, "record failed", e, `
		INSERT INTO ledger_entries
		(step_name, environment_id, status, tx_hash, reason, fingerprint, run_id, attempts, recorded_at)
		VALUES (?, ?, 'failed', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_name, environment_id) DO UPDATE SET
			tx_hash = excluded.tx_hash,
			reason = excluded.reason,
			fingerprint = excluded.fingerprint,
			run_id = excluded.run_id,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at
		WHERE ledger_entries.status = 'failed'
	`)
}

// record upserts the entry and, if a row changed, appends the event, in one
// transaction.
func (l *Ledger) record(ctx context.Context, op string, e Entry, upsert string) error {
	if strings.TrimSpace(e.StepName) == "" || strings.TrimSpace(e.EnvironmentID) == "" {
		return wrap(op, errors.New("step name and environment id are required"))
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	at := e.RecordedAt.UTC().Format(timeLayout)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, upsert,
		e.StepName, e.EnvironmentID, e.TxHash, e.Reason, e.Fingerprint, e.RunID, e.Attempts, at)
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events
		(step_name, environment_id, status, tx_hash, reason, run_id, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.StepName, e.EnvironmentID, string(e.Status), e.TxHash, e.Reason, e.RunID, e.Attempts, at)
	if err != nil {
		return wrap(op, fmt.Errorf("append event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return wrap(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get returns the entry for (step, environment), or nil if none exists.
func (l *Ledger) Get(ctx context.Context, stepName, environmentID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT step_name, environment_id, status, tx_hash, reason, fingerprint, run_id, attempts, recorded_at
		FROM ledger_entries
		WHERE step_name = ? AND environment_id = ?
	`, stepName, environmentID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return e, nil
}

// Entries returns current entries ordered by environment, then time, then name.
func (l *Ledger) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT step_name, environment_id, status, tx_hash, reason, fingerprint, run_id, attempts, recorded_at
		FROM ledger_entries
		WHERE (? = '' OR environment_id = ?) AND (? = '' OR status = ?)
		ORDER BY environment_id ASC, recorded_at ASC, step_name ASC
	`
	rows, err := l.db.QueryContext(ctx, query,
		f.EnvironmentID, f.EnvironmentID, string(f.Status), string(f.Status))
	if err != nil {
		return nil, wrap("entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("entries", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("entries", err)
	}
	return out, nil
}

// History returns every recorded event for (step, environment), oldest first.
func (l *Ledger) History(ctx context.Context, stepName, environmentID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT step_name, environment_id, status, tx_hash, reason, '', run_id, attempts, recorded_at
		FROM ledger_events
		WHERE step_name = ? AND environment_id = ?
		ORDER BY id ASC
	`, stepName, environmentID)
	if err != nil {
		return nil, wrap("history", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("history", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("history", err)
	}
	return out, nil
}

// Export writes all current entries to w as JSON lines.
func (l *Ledger) Export(ctx context.Context, w io.Writer) error {
	entries, err := l.Entries(ctx, Filter{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return wrap("export", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e      Entry
		status string
		at     string
	)
	if err := s.Scan(&e.StepName, &e.EnvironmentID, &status, &e.TxHash, &e.Reason,
		&e.Fingerprint, &e.RunID, &e.Attempts, &at); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return nil, fmt.Errorf("parse recorded_at %q: %w", at, err)
	}
	e.RecordedAt = t
	return &e, nil
}
