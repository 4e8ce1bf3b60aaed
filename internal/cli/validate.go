package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/chainstep/internal/chain/artifacts"
	"github.com/roach88/chainstep/internal/resolver"
	"github.com/roach88/chainstep/internal/step"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Environment string            `json:"environment"`
	Steps       int               `json:"steps"`
	Errors      []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Code    string `json:"code"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the project without contacting any environment",
		Long: `Check the project file, step manifests, dependency graph, step targets,
signer roles and artifacts for one environment. Nothing is sent and the
ledger is not opened.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Env, "env", "e", "", "environment to validate for (default: default_environment)")

	return cmd
}

func runValidate(opts *MigrateOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	p, err := loadProject(opts.RootOptions)
	if err != nil {
		return fail(f, err)
	}
	env, err := p.environment(opts.Env)
	if err != nil {
		return fail(f, err)
	}
	f.VerboseLog("Validating %d step(s) for %s", p.reg.Len(), env)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result := ValidationResult{Environment: env, Steps: p.reg.Len()}
	result.Errors = validateProject(ctx, p, env, f)
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(f, result)
	}
	if f.JSON() {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "%s %s valid for %s\n", f.Styles().OK.Render(markOK), plural(result.Steps, "step"), env)
	return nil
}

// validateProject checks every registered step as seen from env.
func validateProject(ctx context.Context, p *project, env string, f *OutputFormatter) []ValidationIssue {
	ordered, err := resolver.Resolve(p.reg.All())
	if err != nil {
		return []ValidationIssue{{Code: ErrCodeResolution, Message: err.Error()}}
	}

	r := p.router()
	var issues []ValidationIssue
	for _, st := range ordered {
		f.VerboseLog("Checking step: %s", st.Name)
		target, err := r.EnvironmentID(env, st.Target)
		if err != nil {
			issues = append(issues, ValidationIssue{Code: ErrCodeResolution, Step: st.Name, Message: err.Error()})
			continue
		}
		issues = append(issues, checkAction(ctx, p, st, target)...)
	}
	return issues
}

func checkAction(ctx context.Context, p *project, st step.Step, target string) []ValidationIssue {
	var artifact, signer, function string
	switch a := st.Action.(type) {
	case step.Deploy:
		artifact, signer = a.Artifact, a.Signer
	case step.Execute:
		artifact, signer, function = a.Artifact, a.Signer, a.Function
	default:
		return nil
	}

	var issues []ValidationIssue
	issue := func(code, format string, args ...any) {
		issues = append(issues, ValidationIssue{Code: code, Step: st.Name, Message: fmt.Sprintf(format, args...)})
	}

	env := p.cfg.Environments[target]
	if _, ok := env.Accounts[signer]; !ok {
		if _, addrOnly := env.Addresses[signer]; addrOnly {
			issue(ErrCodeConfig, "signer %q has no key in environment %q", signer, target)
		} else {
			issue(ErrCodeConfig, "signer %q is not configured in environment %q", signer, target)
		}
	}

	reg := artifacts.New(target, p.cfg.Path(p.cfg.Build), p.cfg.Path(p.cfg.Deployments))
	art, err := reg.Artifact(ctx, artifact)
	switch {
	case err != nil:
		issue(ErrCodeArtifact, "%v", err)
	case st.Action.Kind() == step.KindDeploy && len(art.Bytecode) == 0 && !art.Deployed():
		issue(ErrCodeArtifact, "artifact %q has no bytecode", artifact)
	case function != "":
		if _, ok := art.ABI.Methods[function]; !ok {
			issue(ErrCodeArtifact, "artifact %q has no function %q", artifact, function)
		}
	}
	return issues
}

// outputValidationErrors outputs the problems found.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	msg := fmt.Sprintf("validation failed with %d error(s)", len(result.Errors))
	if f.JSON() {
		_ = f.Partial(result.Errors[0].Code, msg, result)
		return NewExitError(ExitCommandError, msg)
	}

	s := f.Styles()
	fmt.Fprintln(f.Writer, s.Fail.Render(markFail)+" Validation failed")
	fmt.Fprintln(f.Writer)
	for _, issue := range result.Errors {
		if issue.Step != "" {
			fmt.Fprintf(f.Writer, "step %s\n", issue.Step)
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitCommandError, msg)
}
