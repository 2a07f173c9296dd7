package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/mutq/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run queue conformance scenarios",
		Long: `Run YAML queue scenarios against an in-memory store.

Each scenario's trace is compared with ../golden/<name>.golden next to the
scenarios directory when that file exists; otherwise only its assertions
are checked.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  mutq test ./testdata/scenarios
  mutq test ./testdata/scenarios --filter "crash*"
  mutq test ./testdata/scenarios --update
  mutq test ./testdata/scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	if _, err := os.Stat(scenariosDir); err != nil {
		return out.Fail(ExitCommandError, CodeConfig, fmt.Sprintf("scenarios directory not found: %s", scenariosDir), err)
	}

	files, err := harness.FindScenarios(scenariosDir, opts.Filter)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "failed to find scenarios", err)
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	goldenDir := filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")

	for _, f := range files {
		sr := runScenario(opts, f, goldenDir)
		if opts.Format != "json" {
			printScenario(cmd.OutOrStdout(), sr)
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		if result.Failed > 0 {
			_ = out.encode(CLIResponse{
				Status: "error",
				Data:   result,
				Error: &CLIError{
					Code:    CodeTestFailed,
					Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
				},
			})
			return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
		}
		return out.Success(result, nil)
	}

	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// runScenario loads, runs and golden-checks one scenario file.
func runScenario(opts *TestOptions, file, goldenDir string) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}
	fail := func(format string, args ...any) ScenarioResult {
		return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf(format, args...)}}
	}

	var result *harness.Result
	if opts.Verbose {
		result, err = harness.RunWithLogger(scenario, opts.Logger)
	} else {
		result, err = harness.Run(scenario)
	}
	if err != nil {
		return fail("execution failed: %v", err)
	}

	trace, err := harness.MarshalTrace(scenario.Name, result)
	if err != nil {
		return fail("failed to marshal trace: %v", err)
	}
	goldenPath := filepath.Join(goldenDir, scenario.Name+".golden")

	if opts.Update {
		if err := os.MkdirAll(goldenDir, 0o755); err != nil {
			return fail("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(goldenPath, trace, 0o644); err != nil {
			return fail("failed to write golden file: %v", err)
		}
	} else {
		golden, err := os.ReadFile(goldenPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No golden file - assertions only.
		case err != nil:
			return fail("failed to read golden file: %v", err)
		case !bytes.Equal(golden, trace):
			result.AddError("trace does not match golden file (run with --update to regenerate)")
		}
	}

	return ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
}

func printScenario(w io.Writer, sr ScenarioResult) {
	if sr.Pass {
		fmt.Fprintf(w, "✓ %s\n", sr.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", sr.Name)
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
