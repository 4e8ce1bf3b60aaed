// Package orchestrator runs migrations.
//
// A run resolves the registered steps into dependency order, checks every
// target environment up front, then walks the order once:
//
//   - a step already Applied for its resolved environment is skipped
//   - any other step is applied through the executor and recorded Applied
//   - the first failure is recorded Failed and halts the run
//
// Resolution and routing errors abort before anything is sent. Steps after
// a halt are reported as Pending: neither applied nor failed in this run.
//
// Ledger writes that follow a submission are not cancelled with the run.
package orchestrator
