package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Op     string // optional - only events of this kind
	Device string // optional - only events of this device
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Errors   []string             `json:"errors,omitempty"`
	Trace    []harness.TraceEvent `json:"trace"`
	Stats    TraceStats           `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Syncs       int `json:"syncs"`
	Conflicts   int `json:"conflicts"`
	Failures    int `json:"failures"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario-file>",
		Short: "Print the trace of a sync scenario",
		Long: `Run one scenario and print what happened, one event per line: every step
outcome, every conflict with its resolution and winner, every failure
surfaced to a device, then the final server and device state.

The text output is the same canonical JSON lines a golden file holds.

Examples:
  scoresync trace scenarios/authority_ordering.yaml
  scoresync trace scenarios/offline_queue.yaml --op conflict
  scoresync trace scenarios/offline_queue.yaml --device dev-a --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", "", "show only events of this kind")
	cmd.Flags().StringVar(&opts.Device, "device", "", "show only events of this device")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load scenario", err)
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	result, err := harness.Run(commandContext(cmd), scenario, harness.WithLogger(logger))
	if err != nil {
		return formatter.Fail(ExitCommandError, "scenario execution failed", err)
	}

	out := TraceResult{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Trace:    filterTrace(result.Trace, opts.Op, opts.Device),
	}
	out.Stats = TraceStats{
		TotalEvents: len(result.Trace),
		Syncs:       result.Count(harness.OpSync, "") + result.Count(harness.OpRecover, ""),
		Conflicts:   result.Count(harness.OpConflict, ""),
		Failures:    result.Count(harness.OpFailure, ""),
	}

	if formatter.JSON() {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		data, err := harness.MarshalTrace(out.Trace)
		if err != nil {
			return formatter.Fail(ExitFailure, "failed to render trace", err)
		}
		_, _ = formatter.Writer.Write(data)
		formatter.VerboseLog("%d events, %d syncs, %d conflicts, %d failures",
			out.Stats.TotalEvents, out.Stats.Syncs, out.Stats.Conflicts, out.Stats.Failures)
	}

	if !result.Pass {
		for _, e := range result.Errors {
			fmt.Fprintln(formatter.GetErrWriter(), e)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d assertion(s) failed", len(result.Errors)))
	}
	return nil
}

// filterTrace keeps the events matching op and device; empty matches all.
func filterTrace(trace []harness.TraceEvent, op, device string) []harness.TraceEvent {
	out := make([]harness.TraceEvent, 0, len(trace))
	for _, e := range trace {
		if op != "" && e.Op != op {
			continue
		}
		if device != "" && e.Device != device {
			continue
		}
		out = append(out, e)
	}
	return out
}
