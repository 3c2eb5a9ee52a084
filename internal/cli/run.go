package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/harness"
	"github.com/roach88/statekit/internal/journal"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string

	// FlowGenerator allows overriding the flow token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	FlowGenerator engine.FlowTokenGenerator
}

// RunResult is the outcome of one journaled scenario run.
type RunResult struct {
	Scenario string   `json:"scenario"`
	Pass     bool     `json:"pass"`
	Database string   `json:"database"`
	Flows    []string `json:"flows"`
	Errors   []string `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run a scenario and journal its trace",
		Long: `Run one scenario on the configured worker pool and record every
dispatch and side-effect outcome in a SQLite journal.

Flow tokens are UUIDv7 and sequence numbers continue from the journal, so
repeated runs append new flows. Inspect them with "statekit trace".

Example:
  statekit run --db ./statekit.db ./testdata/scenarios/fetch_failure.yaml
  statekit run ./scenario.yaml --config ./statekit.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Prepare(cmd.ErrOrStderr()); err != nil {
				return err
			}
			return runScenarioJournaled(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (default journal.path from config)")

	return cmd
}

func runScenarioJournaled(opts *RunOptions, file string, cmd *cobra.Command) error {
	logger := opts.Logger
	dbPath := opts.Database
	if dbPath == "" {
		dbPath = opts.Config.Journal.Path
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "journal path required: pass --db or set journal.path")
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	logger.Info("opening journal", "path", dbPath)
	j, err := journal.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			logger.Error("error closing journal", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	last, err := j.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	flowGen := opts.FlowGenerator
	if flowGen == nil {
		flowGen = engine.UUIDv7Generator{}
	}
	engineOpts := append(opts.Config.DispatcherOptions(logger),
		engine.WithClock(engine.NewClockAt(last)),
		engine.WithFlowGenerator(flowGen),
	)

	h, err := harness.New(scenario,
		harness.WithLogger(logger),
		harness.WithRecorder(j),
		harness.WithDrainTimeout(opts.Config.Harness.DrainTimeout),
		harness.WithEngineOptions(engineOpts...),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare scenario", err)
	}
	defer h.Close()

	logger.Info("running scenario", "scenario", scenario.Name, "resume_seq", last)
	result, err := h.Run(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "scenario execution failed", err)
	}

	out := RunResult{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Database: dbPath,
		Flows:    flowTokens(result.Trace),
		Errors:   result.Errors,
	}

	if opts.Format == "json" {
		var failed *CLIError
		if !out.Pass {
			failed = &CLIError{Code: ErrCodeTestFailed, Message: "assertions failed"}
		}
		if err := opts.formatter(cmd).Respond(out, failed); err != nil {
			return err
		}
	} else {
		outputRunText(cmd, out)
	}

	if !out.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

// flowTokens returns the distinct flow tokens of a trace in first-seen order.
func flowTokens(trace []harness.TraceEvent) []string {
	seen := make(map[string]bool)
	flows := []string{}
	for _, e := range trace {
		if !seen[e.Flow] {
			seen[e.Flow] = true
			flows = append(flows, e.Flow)
		}
	}
	return flows
}

func outputRunText(cmd *cobra.Command, out RunResult) {
	w := cmd.OutOrStdout()
	st := newStyles(w)

	fmt.Fprintf(w, "%s %s\n", st.verdict(out.Pass), out.Scenario)
	for _, e := range out.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	fmt.Fprintf(w, "Journaled %d flow(s) to %s\n", len(out.Flows), out.Database)
	for _, f := range out.Flows {
		fmt.Fprintf(w, "  %s\n", st.dim.Render(f))
	}
}
