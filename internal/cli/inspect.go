package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/store"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Limit int
	All   bool
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts [entity-id]",
		Short: "Show the conflict log",
		Long: `Show how conflicting edits were resolved, oldest first. Without an entity
id the log of every entity is shown. Silent merges are hidden unless --all
is given.

Example:
  scoresync conflicts card-9
  scoresync conflicts --limit 20 --all`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID := store.AllEntities
			if len(args) == 1 {
				entityID = args[0]
			}
			return runConflicts(opts, entityID, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "most recent records to show (0 for all)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include records not shown to users")

	return cmd
}

func runConflicts(opts *ConflictsOptions, entityID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	return withDevice(opts.RootOptions, cmd, func(ctx context.Context, d *deviceEnv) error {
		recs, err := d.engine.Conflicts(ctx, entityID, opts.Limit)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to read conflict log", err)
		}
		shown := make([]model.ConflictRecord, 0, len(recs))
		for _, rec := range recs {
			if rec.Visible || opts.All {
				shown = append(shown, rec)
			}
		}

		if f.JSON() {
			return f.Success(shown)
		}
		if len(shown) == 0 {
			f.Textf("No conflicts")
			return nil
		}
		for _, rec := range shown {
			f.Textf("%s", formatConflict(rec))
		}
		return nil
	})
}

// formatConflict renders one record on a line, followed by one indented
// line per contested field.
func formatConflict(rec model.ConflictRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s  winner=%s",
		rec.ResolvedAt.UTC().Format(time.RFC3339), rec.EntityID, rec.Resolution, rec.Winner)
	if !rec.Visible {
		b.WriteString("  (hidden)")
	}
	if rec.Detail != "" {
		fmt.Fprintf(&b, "  %s", rec.Detail)
	}
	for _, diff := range rec.ConflictingFields {
		fmt.Fprintf(&b, "\n    %s: local=%s server=%s resolved=%s",
			diff.Field, renderValue(diff.Local), renderValue(diff.Server), renderValue(diff.Resolved))
	}
	return b.String()
}

func renderValue(v model.Value) string {
	if v == nil {
		return "null"
	}
	data, err := model.MarshalValue(v)
	if err != nil {
		return "?"
	}
	return string(data)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Long: `Show the device id, sync state, queue depth, parked failures and the
network estimate that selects between full and minimal sync.

Example:
  scoresync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	return withDevice(opts, cmd, func(ctx context.Context, d *deviceEnv) error {
		st, err := d.engine.Status(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to read status", err)
		}
		if f.JSON() {
			return f.Success(st)
		}

		f.Textf("Client:    %s", st.ClientID)
		f.Textf("State:     %s", st.State)
		f.Textf("Mode:      %s", st.Mode)
		f.Textf("Pending:   %d", st.Pending)
		f.Textf("Failed:    %d", st.Failed)
		if st.InFlight != "" {
			f.Textf("In flight: %s", st.InFlight)
		}
		if st.RTT > 0 {
			f.Textf("RTT:       %s", st.RTT)
		}
		if st.ClockOffset != 0 {
			f.Textf("Offset:    %s", st.ClockOffset)
		}
		if !st.LastSync.IsZero() {
			f.Textf("Last sync: %s", st.LastSync.UTC().Format(time.RFC3339))
		}
		if st.LastError != "" {
			f.Textf("Error:     %s", st.LastError)
		}
		return nil
	})
}
