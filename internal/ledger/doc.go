// Package ledger provides the durable idempotency ledger for migration runs.
//
// The ledger is the sole authority on whether a step has been applied to an
// environment. It is a SQLite database with two tables:
//   - ledger_entries: current status per (step_name, environment_id)
//   - ledger_events: append-only history of every recorded outcome
//
// # Invariants
//
//   - At most one Applied entry per (step_name, environment_id), enforced by
//     the primary key.
//   - Failed never demotes Applied: recording a failure for a step already
//     applied to the environment is a no-op.
//   - Recording Applied twice is a no-op; the first transaction hash wins.
//
// # Exclusive access
//
// Open takes an exclusive, non-blocking lock on "<path>.lock" and holds it
// until Close. A second Open on the same ledger, in this or another process,
// fails with ErrLocked. The orchestrator is the single writer for a run.
//
// # Database configuration
//
//   - WAL mode, synchronous=NORMAL
//   - busy_timeout=5000
//   - a single connection, since SQLite allows one writer
//
// The file is plain SQLite and can be inspected with the sqlite3 shell;
// Export writes the same data as JSON lines.
package ledger
