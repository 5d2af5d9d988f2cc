package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Type   string // only entities of this type
	Strict bool   // treat drift from the confirmed state as a failure
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entities         []*engine.ReplayReport `json:"entities"`
	TotalEntities    int                    `json:"total_entities"`
	AllDeterministic bool                   `json:"all_deterministic"`
	Drifted          int                    `json:"drifted"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [entity-id]...",
		Short: "Replay edit history and verify determinism",
		Long: `Rebuild entities from their locally recorded edit history, twice, and
compare the results with each other and with the confirmed state.

Without entity ids every confirmed entity is replayed. Drift from the
confirmed state usually means history from before this device pulled the
entity is missing; it fails the command only with --strict.

Exit codes:
  0 - All replays are deterministic
  1 - A replay differed between runs (or drifted, with --strict)
  2 - Command error (database not readable, etc.)

Examples:
  scoresync replay
  scoresync replay card-9 --format json
  scoresync replay --type scorecard --strict`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "replay only entities of this type")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail when a replay drifts from the confirmed state")

	return cmd
}

func runReplay(opts *ReplayOptions, ids []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	return withDevice(opts.RootOptions, cmd, func(ctx context.Context, d *deviceEnv) error {
		if len(ids) == 0 {
			entities, err := d.store.ListEntities(ctx, opts.Type)
			if err != nil {
				return f.Fail(ExitCommandError, "failed to list entities", err)
			}
			for _, e := range entities {
				ids = append(ids, e.ID)
			}
		}

		result := ReplayResult{
			Entities:         make([]*engine.ReplayReport, 0, len(ids)),
			TotalEntities:    len(ids),
			AllDeterministic: true,
		}
		for _, id := range ids {
			report, err := d.engine.CheckReplay(ctx, id)
			if err != nil {
				return f.Fail(ExitCommandError, "failed to replay "+id, err)
			}
			if !report.Deterministic {
				result.AllDeterministic = false
			}
			if !report.MatchesConfirmed {
				result.Drifted++
			}
			f.VerboseLog("replayed %s: %d entries, digest %s", id, report.Entries, report.Digest)
			result.Entities = append(result.Entities, report)
		}

		if f.JSON() {
			if err := f.Success(result); err != nil {
				return err
			}
		} else {
			outputReplayText(f, result)
		}

		if !result.AllDeterministic {
			return NewExitError(ExitFailure, "replay is not deterministic")
		}
		if opts.Strict && result.Drifted > 0 {
			return NewExitError(ExitFailure, "replay drifted from the confirmed state")
		}
		return nil
	})
}

func outputReplayText(f *OutputFormatter, result ReplayResult) {
	if result.TotalEntities == 0 {
		f.Textf("No entities found in database.")
		return
	}
	for _, r := range result.Entities {
		mark := "✓"
		note := ""
		switch {
		case !r.Deterministic:
			mark = "✗"
			note = "  NOT DETERMINISTIC"
		case !r.MatchesConfirmed:
			mark = "~"
			note = "  drift: " + strings.Join(r.Drift, ", ")
		}
		f.Textf("%s %s  %d entries  %s%s", mark, r.EntityID, r.Entries, shortDigest(r.Digest), note)
	}
	f.Textf("")
	f.Textf("%d entities replayed, %d drifted", result.TotalEntities, result.Drifted)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
