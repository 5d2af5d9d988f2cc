package cli

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/engine"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/store"
)

// SyncResult is the JSON payload of sync and recover.
type SyncResult struct {
	State     engine.State           `json:"state"`
	Pending   int                    `json:"pending"`
	Conflicts []model.ConflictRecord `json:"conflicts,omitempty"`
	Failures  []FailureInfo          `json:"failures,omitempty"`
}

// FailureInfo is a failure surfaced during a cycle.
type FailureInfo struct {
	Code       engine.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	MutationID string           `json:"mutation_id,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	Action     engine.Action    `json:"action"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Send the queued mutations to the store of record, resolve conflicts and
settle the results locally. An interrupted batch from an earlier run is
resumed first.

Exit codes:
  0 - cycle completed
  1 - cycle interrupted or a mutation was rejected
  2 - command error

Example:
  scoresync sync --config device.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(rootOpts, cmd, "sync", (*engine.Engine).SyncOnce)
		},
	}
	return cmd
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume an interrupted batch",
		Long: `Resend the unacknowledged members of a batch whose response was lost.
The store of record answers mutations it already applied as duplicates, so
resending never applies an edit twice. Does nothing when no batch is in
flight.

Example:
  scoresync recover`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(rootOpts, cmd, "recover", (*engine.Engine).Recover)
		},
	}
	return cmd
}

func runCycle(opts *RootOptions, cmd *cobra.Command, name string, cycle func(*engine.Engine, context.Context) error) error {
	f := newFormatter(opts, cmd)

	return withDevice(opts, cmd, func(ctx context.Context, d *deviceEnv) error {
		var (
			mu     sync.Mutex
			result SyncResult
		)
		cancelConflicts := d.engine.SubscribeConflicts(store.AllEntities, func(rec model.ConflictRecord) {
			mu.Lock()
			defer mu.Unlock()
			if rec.Visible {
				result.Conflicts = append(result.Conflicts, rec)
			}
		})
		defer cancelConflicts()
		cancelFailures := d.engine.SubscribeFailures(func(e *engine.SyncError) {
			mu.Lock()
			defer mu.Unlock()
			result.Failures = append(result.Failures, FailureInfo{
				Code:       e.Code,
				Message:    e.Message,
				MutationID: e.MutationID,
				EntityID:   e.EntityID,
				Action:     e.Action,
			})
		})
		defer cancelFailures()

		cycleErr := cycle(d.engine, ctx)

		pending, err := d.engine.PendingCount(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to count pending mutations", err)
		}
		mu.Lock()
		result.State = d.engine.SyncState()
		result.Pending = pending
		mu.Unlock()

		if cycleErr != nil {
			_ = f.Error(errorCode(cycleErr), cycleErr.Error(), result)
			return WrapExitError(ExitFailure, name+" interrupted", cycleErr)
		}
		if f.JSON() {
			return f.Success(result)
		}

		for _, rec := range result.Conflicts {
			f.Textf("Conflict: %s", formatConflict(rec))
		}
		for _, fail := range result.Failures {
			f.Textf("Failed [%s] %s %s: %s (%s)", fail.Code, fail.EntityID, fail.MutationID, fail.Message, fail.Action)
		}
		f.Textf("Sync %s, %d pending", result.State, result.Pending)
		if len(result.Failures) > 0 {
			return NewExitError(ExitFailure, "mutations rejected")
		}
		return nil
	})
}
