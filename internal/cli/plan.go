package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/chainstep/internal/ledger"
	"github.com/roach88/chainstep/internal/orchestrator"
	"github.com/roach88/chainstep/internal/step"
)

// PlanResult is the JSON payload of the plan command.
type PlanResult struct {
	Environment string                     `json:"environment"`
	Steps       []orchestrator.PlannedStep `json:"steps"`
	Pending     int                        `json:"pending"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts, DryRun: true}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved step order and what would run",
		Long: `Resolve the step order for an environment and mark each step as
applied or pending according to the ledger. Nothing is sent and no
environment is contacted. Equivalent to migrate --dry-run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, cmd)
		},
	}

	addSelectionFlags(cmd, opts)

	return cmd
}

func runPlan(opts *MigrateOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	p, err := loadProject(opts.RootOptions)
	if err != nil {
		return fail(f, err)
	}
	env, err := p.environment(opts.Env)
	if err != nil {
		return fail(f, err)
	}

	led, err := ledger.Open(p.cfg.Path(p.cfg.Ledger))
	if err != nil {
		return fail(f, WrapExitError(ExitCommandError, ErrCodeLedger, err))
	}
	defer func() {
		if closeErr := led.Close(); closeErr != nil {
			slog.Error("error closing ledger", "error", closeErr)
		}
	}()

	// A dry run never dials, so the router needs no connections.
	o := orchestrator.New(p.reg, led, p.router(), nil, orchestrator.WithRunIDGenerator(planIDs{}))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sum, err := o.Run(ctx, orchestrator.Options{Environment: env, Tags: opts.Tags, DryRun: true})
	if err != nil {
		return fail(f, err)
	}

	result := PlanResult{Environment: env, Steps: sum.Plan, Pending: len(sum.Pending)}
	if result.Steps == nil {
		result.Steps = []orchestrator.PlannedStep{}
	}
	if f.JSON() {
		return f.Success(result)
	}
	renderPlan(f, result)
	return nil
}

// planIDs labels dry runs, which are never recorded.
type planIDs struct{}

func (planIDs) Generate() string { return "dry-run" }

// targetLabel shows where a step runs and, for indirect targets, how.
func targetLabel(ps orchestrator.PlannedStep) string {
	self := step.Self().String()
	if ps.Target == self || ps.Target == ps.EnvironmentID {
		return ps.EnvironmentID
	}
	return ps.EnvironmentID + " (" + ps.Target + ")"
}
