package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/harness"
)

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// RunResult holds the overall run result.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run commit scenarios",
		Long: `Run YAML commit scenarios against a fresh in-memory database.

Each scenario records documents and events in one or more sessions,
commits them and checks the executed operations and final state.
Scenarios without a batch_size use MARTEN_BATCH_SIZE; scenarios without
a tenant use MARTEN_TENANT.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - A scenario could not be loaded

Examples:
  marten run ./scenarios/issue_before_user.yaml
  marten run ./scenarios/*.yaml --format json
  marten run ./scenarios/optimistic_conflict.yaml -v`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(rootOpts, args, cmd)
		},
	}
}

func runScenarios(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	scenarios := make([]*harness.Scenario, 0, len(paths))
	for _, path := range paths {
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			_ = formatter.Error(ErrCodeScenario, fmt.Sprintf("%s: %v", filepath.Base(path), err), nil)
			return WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		if scenario.BatchSize == 0 {
			scenario.BatchSize = opts.Config.BatchSize
		}
		if scenario.Tenant == "" {
			scenario.Tenant = opts.Config.Tenant
		}
		scenarios = append(scenarios, scenario)
	}

	result := RunResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarios)),
		Total:     len(scenarios),
	}
	for _, scenario := range scenarios {
		formatter.VerboseLog("Running scenario %s (%d steps)", scenario.Name, len(scenario.Steps))
		sr := runScenario(cmd, scenario, opts.Verbose)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(result, ""); err != nil {
			return err
		}
	} else {
		outputRunText(formatter, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total))
	}
	return nil
}

func runScenario(cmd *cobra.Command, scenario *harness.Scenario, withTrace bool) ScenarioResult {
	res, err := harness.RunContext(cmd.Context(), scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	sr := ScenarioResult{Name: scenario.Name, Pass: res.Pass, Errors: res.Errors}
	if withTrace {
		sr.Trace = res.Trace
	}
	return sr
}

func outputRunText(f *OutputFormatter, result RunResult) {
	w := f.Writer
	for _, sr := range result.Scenarios {
		if sr.Pass {
			fmt.Fprintf(w, "✓ %s\n", sr.Name)
		} else {
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		for _, ev := range sr.Trace {
			if ev.Type == harness.EventCommit {
				fmt.Fprintf(w, "    [%d] %s: commit %s\n", ev.Seq, ev.Session, ev.Outcome)
			} else {
				fmt.Fprintf(w, "    [%d] %s: %s\n", ev.Seq, ev.Session, ev.Operation)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
