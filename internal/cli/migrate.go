package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/chainstep/internal/executor"
	"github.com/roach88/chainstep/internal/ledger"
	"github.com/roach88/chainstep/internal/orchestrator"
)

// MigrateOptions holds flags for the migrate and plan commands.
type MigrateOptions struct {
	*RootOptions
	Env    string
	Tags   []string
	DryRun bool

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs orchestrator.RunIDGenerator
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending steps to an environment",
		Long: `Apply every step not yet recorded as applied for its target environment.

Steps run one at a time in dependency order. The first failing step halts
the migration; later steps are reported as pending and run on the next
invocation. Steps already applied are skipped.

Example:
  chainstep migrate --env layer2
  chainstep migrate --env layer2 --tags bridge --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DryRun {
				return runPlan(opts, cmd)
			}
			return runMigrate(opts, cmd)
		},
	}

	addSelectionFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would run without sending transactions")

	return cmd
}

func addSelectionFlags(cmd *cobra.Command, opts *MigrateOptions) {
	cmd.Flags().StringVarP(&opts.Env, "env", "e", "", "invoking environment (default: default_environment)")
	cmd.Flags().StringSliceVarP(&opts.Tags, "tags", "t", nil, "only steps with these tags and their dependencies")
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
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

	r := p.router()
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			slog.Warn("error closing connections", "error", closeErr)
		}
	}()

	xopts := []executor.Option{executor.WithConfig(p.executorConfig())}
	var metrics *prometheus.Registry
	if opts.MetricsFile != "" {
		metrics = prometheus.NewRegistry()
		xopts = append(xopts, executor.WithMetrics(executor.NewMetrics(metrics)))
	}

	oopts := []orchestrator.Option{}
	if opts.RunIDs != nil {
		oopts = append(oopts, orchestrator.WithRunIDGenerator(opts.RunIDs))
	}
	o := orchestrator.New(p.reg, led, r, executor.New(xopts...), oopts...)

	ctx, stop := signalContext(cmd)
	defer stop()

	sum, runErr := o.Run(ctx, orchestrator.Options{Environment: env, Tags: opts.Tags})

	if metrics != nil {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, metrics); err != nil {
			slog.Error("cannot write metrics", "file", opts.MetricsFile, "error", err)
		}
	}

	if runErr != nil && sum == nil {
		return fail(f, runErr)
	}
	if runErr != nil {
		code := ErrCodeHalted
		if ledger.IsLedgerError(runErr) && !orchestrator.IsHalt(runErr) {
			code = ErrCodeLedger
		}
		if f.JSON() {
			_ = f.Partial(code, runErr.Error(), sum)
		} else {
			renderSummary(f, sum)
			_ = f.Error(code, haltMessage(runErr), nil)
		}
		return WrapExitError(ExitFailure, code, runErr)
	}

	if f.JSON() {
		return f.Success(sum)
	}
	renderSummary(f, sum)
	return nil
}

func haltMessage(err error) string {
	if errors.Is(err, context.Canceled) && !orchestrator.IsHalt(err) {
		return "migration interrupted: " + err.Error()
	}
	return err.Error()
}
