package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chainstep/internal/ledger"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Env    string
	Export bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the ledger has recorded",
		Long: `List the ledger's current entry for every step and environment.

Use --export to dump all entries as JSON lines, for backups or diffing
ledgers between machines.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Env, "env", "e", "", "only entries for this environment")
	cmd.Flags().BoolVar(&opts.Export, "export", false, "write all entries as JSON lines")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	p, err := loadProject(opts.RootOptions)
	if err != nil {
		return fail(f, err)
	}
	if opts.Env != "" {
		if _, err := p.environment(opts.Env); err != nil {
			return fail(f, err)
		}
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

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Export {
		if err := led.Export(ctx, f.Writer); err != nil {
			return fail(f, WrapExitError(ExitCommandError, ErrCodeLedger, err))
		}
		return nil
	}

	entries, err := led.Entries(ctx, ledger.Filter{EnvironmentID: opts.Env})
	if err != nil {
		return fail(f, WrapExitError(ExitCommandError, ErrCodeLedger, err))
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}

	if f.JSON() {
		return f.Success(entries)
	}
	renderStatus(f, entries)
	return nil
}

func renderStatus(f *OutputFormatter, entries []ledger.Entry) {
	if len(entries) == 0 {
		f.Success("No steps recorded.")
		return
	}
	s := f.Styles()
	t := &table{styleCol: 0}
	for _, e := range entries {
		mark, style, detail := markOK, s.OK, shortHash(e.TxHash)
		if e.Status == ledger.StatusFailed {
			mark, style, detail = markFail, s.Fail, e.Reason
		}
		t.add(style, mark, e.StepName, e.EnvironmentID, string(e.Status),
			e.RecordedAt.UTC().Format(time.RFC3339), detail)
	}
	t.write(f.Writer, "")
}
