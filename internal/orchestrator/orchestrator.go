package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/executor"
	"github.com/roach88/chainstep/internal/ledger"
	"github.com/roach88/chainstep/internal/resolver"
	"github.com/roach88/chainstep/internal/step"
)

// Ledger is the idempotency store.
type Ledger interface {
	HasApplied(ctx context.Context, stepName, environmentID string) (bool, error)
	Get(ctx context.Context, stepName, environmentID string) (*ledger.Entry, error)
	RecordApplied(ctx context.Context, e ledger.Entry) error
	RecordFailed(ctx context.Context, e ledger.Entry) error
}

// Router resolves step targets.
type Router interface {
	EnvironmentID(from string, ref step.EnvironmentRef) (string, error)
	Validate(from string, steps []step.Step) error
	Resolve(ctx context.Context, from string, ref step.EnvironmentRef) (*chain.Connection, error)
}

// Applier performs one step against a resolved connection.
type Applier interface {
	Apply(ctx context.Context, st step.Step, conn *chain.Connection) (*executor.Outcome, error)
}

// Options select what a run does.
type Options struct {
	// Environment is the invoking environment id. Required.
	Environment string
	// Tags restricts the run to steps carrying any of the tags plus their
	// transitive dependencies. Empty means every step.
	Tags []string
	// DryRun resolves and reports without sending anything.
	DryRun bool
}

// StepResult describes an applied or skipped step.
type StepResult struct {
	Step          string `json:"step"`
	EnvironmentID string `json:"environment_id"`
	TxHash        string `json:"tx_hash,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

// StepFailure describes the step that halted a run.
type StepFailure struct {
	Step          string `json:"step"`
	EnvironmentID string `json:"environment_id"`
	Reason        string `json:"reason"`
	TxHash        string `json:"tx_hash,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

// PlannedStep is one entry of a dry run.
type PlannedStep struct {
	Step          string          `json:"step"`
	EnvironmentID string          `json:"environment_id"`
	Target        string          `json:"target"`
	Action        step.ActionKind `json:"action"`
	Applied       bool            `json:"applied"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       string        `json:"run_id"`
	Environment string        `json:"environment"`
	DryRun      bool          `json:"dry_run,omitempty"`
	Applied     []StepResult  `json:"applied"`
	Skipped     []StepResult  `json:"skipped"`
	Failed      *StepFailure  `json:"failed,omitempty"`
	Pending     []string      `json:"pending"`
	Plan        []PlannedStep `json:"plan,omitempty"`
}

// Halted reports whether a step failed.
func (s *Summary) Halted() bool { return s != nil && s.Failed != nil }

// Orchestrator runs migrations. Collaborators are injected; there is no
// package state.
type Orchestrator struct {
	registry *step.Registry
	ledger   Ledger
	router   Router
	applier  Applier
	ids      RunIDGenerator
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunIDGenerator overrides the UUIDv7 run id generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// New creates an Orchestrator.
func New(reg *step.Registry, l Ledger, r Router, a Applier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		ledger:   l,
		router:   r,
		applier:  a,
		ids:      UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan returns the ordered selection for opts without consulting the ledger
// or any environment.
func (o *Orchestrator) Plan(opts Options) ([]step.Step, error) {
	if opts.Environment == "" {
		return nil, errors.New("no environment given")
	}
	steps, err := resolver.Select(o.registry.All(), opts.Tags)
	if err != nil {
		return nil, err
	}
	if err := o.router.Validate(opts.Environment, steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// Run executes a migration. The returned Summary is non-nil whenever
// execution started, including on halt. Errors before execution (resolution,
// unknown environments) return a nil Summary.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	steps, err := o.Plan(opts)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		RunID:       o.ids.Generate(),
		Environment: opts.Environment,
		DryRun:      opts.DryRun,
		Applied:     []StepResult{},
		Skipped:     []StepResult{},
		Pending:     []string{},
	}
	log := slog.With("run", sum.RunID, "env", opts.Environment)
	log.Info("migration starting", "steps", len(steps), "dry_run", opts.DryRun)

	for i, st := range steps {
		envID, err := o.router.EnvironmentID(opts.Environment, st.Target)
		if err != nil {
			return sum, err
		}

		if err := ctx.Err(); err != nil {
			sum.Pending = names(steps[i:])
			log.Warn("migration interrupted", "next", st.Name, "error", err)
			return sum, fmt.Errorf("migration interrupted before step %q: %w", st.Name, err)
		}

		applied, err := o.ledger.HasApplied(ctx, st.Name, envID)
		if err != nil {
			sum.Pending = names(steps[i:])
			return sum, err
		}
		fp := fingerprint(st)

		if applied {
			res := StepResult{Step: st.Name, EnvironmentID: envID}
			e, err := o.ledger.Get(ctx, st.Name, envID)
			if err != nil {
				sum.Pending = names(steps[i:])
				return sum, err
			}
			if e != nil {
				res.TxHash = e.TxHash
				if e.Fingerprint != "" && fp != "" && e.Fingerprint != fp {
					log.Warn("step definition changed since it was applied; not re-running",
						"step", st.Name, "target", envID)
				}
			}
			sum.Skipped = append(sum.Skipped, res)
			log.Info("step already applied", "step", st.Name, "target", envID)
			if opts.DryRun {
				sum.Plan = append(sum.Plan, planned(st, envID, true))
			}
			continue
		}

		if opts.DryRun {
			sum.Plan = append(sum.Plan, planned(st, envID, false))
			sum.Pending = append(sum.Pending, st.Name)
			continue
		}

		log.Info("applying step", "step", st.Name, "target", envID, "action", st.Action.Kind())
		outcome, err := o.apply(ctx, opts.Environment, st)
		if err != nil {
			fail := failure(st.Name, envID, err)
			sum.Failed = fail
			sum.Pending = names(steps[i+1:])
			log.Error("step failed", "step", st.Name, "target", envID, "error", err)

			rerr := o.ledger.RecordFailed(context.WithoutCancel(ctx), ledger.Entry{
				StepName:      st.Name,
				EnvironmentID: envID,
				TxHash:        fail.TxHash,
				Reason:        fail.Reason,
				Fingerprint:   fp,
				RunID:         sum.RunID,
				Attempts:      fail.Attempts,
			})
			halt := &HaltError{Step: st.Name, EnvironmentID: envID, Err: err}
			if rerr != nil {
				return sum, errors.Join(halt, rerr)
			}
			return sum, halt
		}

		res := StepResult{
			Step:          st.Name,
			EnvironmentID: envID,
			TxHash:        outcome.TxHash(),
			Attempts:      outcome.Attempts,
		}
		if err := o.ledger.RecordApplied(context.WithoutCancel(ctx), ledger.Entry{
			StepName:      st.Name,
			EnvironmentID: envID,
			TxHash:        res.TxHash,
			Fingerprint:   fp,
			RunID:         sum.RunID,
			Attempts:      res.Attempts,
		}); err != nil {
			// The step took effect but is not recorded; it must not be
			// reported as applied or pending.
			sum.Failed = &StepFailure{Step: st.Name, EnvironmentID: envID, Reason: err.Error(), TxHash: res.TxHash, Attempts: res.Attempts}
			sum.Pending = names(steps[i+1:])
			return sum, err
		}
		sum.Applied = append(sum.Applied, res)
		log.Info("step applied", "step", st.Name, "target", envID, "tx", res.TxHash, "attempts", res.Attempts)
	}

	log.Info("migration finished",
		"applied", len(sum.Applied),
		"skipped", len(sum.Skipped),
		"pending", len(sum.Pending),
	)
	return sum, nil
}

func (o *Orchestrator) apply(ctx context.Context, from string, st step.Step) (*executor.Outcome, error) {
	conn, err := o.router.Resolve(ctx, from, st.Target)
	if err != nil {
		return nil, err
	}
	return o.applier.Apply(ctx, st, conn)
}

func failure(stepName, envID string, err error) *StepFailure {
	f := &StepFailure{Step: stepName, EnvironmentID: envID, Reason: err.Error()}
	var te *executor.TransactionError
	if errors.As(err, &te) {
		if te.TxHash != (common.Hash{}) {
			f.TxHash = te.TxHash.Hex()
		}
		f.Attempts = te.Attempts
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		f.Reason = "cancelled: " + err.Error()
		if te != nil && te.Kind == executor.KindCancelled {
			f.Reason = "cancelled: " + te.Reason
		}
	}
	return f
}

func fingerprint(st step.Step) string {
	fp, err := step.Fingerprint(st)
	if err != nil {
		slog.Warn("cannot fingerprint step", "step", st.Name, "error", err)
		return ""
	}
	return fp
}

func planned(st step.Step, envID string, applied bool) PlannedStep {
	return PlannedStep{
		Step:          st.Name,
		EnvironmentID: envID,
		Target:        st.Target.String(),
		Action:        st.Action.Kind(),
		Applied:       applied,
	}
}

func names(steps []step.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}
