package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/harness"
	"github.com/roach88/statekit/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Action   string // optional - filter timeline to one action kind
}

// TraceResult holds the complete trace output for one flow.
type TraceResult struct {
	FlowToken string               `json:"flow_token"`
	Timeline  []harness.TraceEvent `json:"timeline"`
	Stats     TraceStats           `json:"stats"`
}

// TraceStats holds summary statistics for a flow.
type TraceStats struct {
	Dispatches int `json:"dispatches"`
	Effects    int `json:"effects"`
	Failures   int `json:"failures"`
	MaxDepth   int `json:"max_depth"`
}

// FlowListing holds every flow recorded in a journal.
type FlowListing struct {
	Database string                `json:"database"`
	Flows    []journal.FlowSummary `json:"flows"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [flow-token]",
		Short: "Inspect journaled flows",
		Long: `Inspect flows recorded by "statekit run".

Without a flow token, lists every flow in the journal. With one, prints the
flow's timeline: each dispatch indented by its depth, followed by the
side-effect outcomes it produced, and summary statistics.

Examples:
  statekit trace --db ./statekit.db
  statekit trace --db ./statekit.db 0192f1c4-...
  statekit trace --db ./statekit.db 0192f1c4-... --action fetch.failed
  statekit trace --db ./statekit.db 0192f1c4-... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Prepare(cmd.ErrOrStderr()); err != nil {
				return err
			}
			if len(args) == 0 {
				return runListFlows(opts, cmd)
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (default journal.path from config)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "filter timeline to one action kind")

	return cmd
}

func (o *TraceOptions) openJournal() (*journal.Journal, string, error) {
	path := o.Database
	if path == "" {
		path = o.Config.Journal.Path
	}
	if path == "" {
		return nil, "", NewExitError(ExitCommandError, "journal path required: pass --db or set journal.path")
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return j, path, nil
}

func runListFlows(opts *TraceOptions, cmd *cobra.Command) error {
	j, path, err := opts.openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	flows, err := j.ListFlows(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list flows", err)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(FlowListing{Database: path, Flows: flows})
	}

	w := cmd.OutOrStdout()
	if len(flows) == 0 {
		fmt.Fprintln(w, "No flows recorded.")
		return nil
	}
	st := newStyles(w)
	for _, f := range flows {
		line := fmt.Sprintf("%-38s %-20s %3d dispatch(es)", f.FlowToken, f.RootKind, f.Dispatches)
		if f.Failures > 0 {
			line += " " + st.fail.Render(fmt.Sprintf("%d failure(s)", f.Failures))
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func runTrace(opts *TraceOptions, flowToken string, cmd *cobra.Command) error {
	j, _, err := opts.openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	flow, err := j.ReadFlow(cmd.Context(), flowToken)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read flow", err)
	}

	if len(flow.Dispatches) == 0 {
		msg := fmt.Sprintf("no dispatches recorded for flow %s", flowToken)
		if opts.Format == "json" {
			if err := opts.formatter(cmd).Error(ErrCodeFlowNotFound, msg, nil); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "No events found for flow:", flowToken)
		}
		return NewExitError(ExitFailure, msg)
	}

	trace := harness.BuildTrace(flow.Dispatches, flow.Effects)
	result := TraceResult{
		FlowToken: flowToken,
		Timeline:  filterTimeline(trace, engine.Kind(opts.Action)),
		Stats:     traceStats(trace),
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(result)
	}
	outputTraceText(cmd, result)
	return nil
}

// filterTimeline keeps events of the given kind. Effect events are kept
// when the dispatch they belong to is kept.
func filterTimeline(trace []harness.TraceEvent, kind engine.Kind) []harness.TraceEvent {
	if kind == "" {
		return trace
	}
	kept := make(map[int64]bool)
	out := []harness.TraceEvent{}
	for _, e := range trace {
		switch e.Type {
		case harness.EventDispatch:
			if e.Kind == kind {
				kept[e.Seq] = true
				out = append(out, e)
			}
		case harness.EventEffect:
			if kept[e.Dispatch] {
				out = append(out, e)
			}
		}
	}
	return out
}

func traceStats(trace []harness.TraceEvent) TraceStats {
	var s TraceStats
	for _, e := range trace {
		switch e.Type {
		case harness.EventDispatch:
			s.Dispatches++
			s.MaxDepth = max(s.MaxDepth, e.Depth)
		case harness.EventEffect:
			s.Effects++
			if e.Outcome != engine.OutcomeOK {
				s.Failures++
			}
		}
	}
	return s
}

func outputTraceText(cmd *cobra.Command, result TraceResult) {
	w := cmd.OutOrStdout()
	st := newStyles(w)

	fmt.Fprintln(w, st.header.Render("Flow "+result.FlowToken))
	for _, e := range result.Timeline {
		indent := strings.Repeat("  ", e.Depth+1)
		switch e.Type {
		case harness.EventDispatch:
			line := fmt.Sprintf("%s[%d] %s %s", indent, e.Seq, e.Kind, st.dim.Render(string(e.Cause)))
			if e.Parent != 0 {
				line += st.dim.Render(fmt.Sprintf(" <- [%d]", e.Parent))
			}
			fmt.Fprintln(w, line)
		case harness.EventEffect:
			outcome := st.pass.Render(string(e.Outcome))
			if e.Outcome != engine.OutcomeOK {
				outcome = st.fail.Render(string(e.Outcome))
			}
			line := fmt.Sprintf("%s  [%d] effect %s %s", indent, e.Seq, e.Service, outcome)
			if e.Error != "" {
				line += ": " + e.Error
			}
			if e.Corrective != "" {
				line += st.warn.Render(" -> " + string(e.Corrective))
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "\n%d dispatch(es), %d effect(s), %d failure(s), max depth %d\n",
		result.Stats.Dispatches, result.Stats.Effects, result.Stats.Failures, result.Stats.MaxDepth)
}
