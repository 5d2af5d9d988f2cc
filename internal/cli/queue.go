package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/model"
)

// PendingItem is one queued mutation as listed by the pending command.
type PendingItem struct {
	MutationID string               `json:"mutation_id"`
	EntityID   string               `json:"entity_id"`
	EntityType string               `json:"entity_type"`
	Status     model.MutationStatus `json:"status"`
	Fields     model.Object         `json:"fields"`
	Attempts   int                  `json:"attempts"`
	Error      string               `json:"error,omitempty"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued mutations",
		Long: `List the local queue in send order, including mutations parked after a
rejection. Parked mutations need a retry or a discard.

Example:
  scoresync pending
  scoresync pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(rootOpts, cmd)
		},
	}
	return cmd
}

func runPending(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	return withDevice(opts, cmd, func(ctx context.Context, d *deviceEnv) error {
		queued, err := d.engine.Pending(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to list pending mutations", err)
		}

		items := make([]PendingItem, 0, len(queued))
		for _, m := range queued {
			items = append(items, PendingItem{
				MutationID: m.ID,
				EntityID:   m.EntityID,
				EntityType: m.EntityType,
				Status:     m.Status,
				Fields:     m.ChangedFields,
				Attempts:   m.RetryCount,
				Error:      m.LastError,
			})
		}
		if f.JSON() {
			return f.Success(items)
		}

		if len(items) == 0 {
			f.Textf("Queue is empty")
			return nil
		}
		for _, it := range items {
			line := it.MutationID + "  " + it.EntityID + "  " + string(it.Status) + "  " + formatObject(it.Fields)
			if it.Error != "" {
				line += "  (" + it.Error + ")"
			}
			f.Textf("%s", line)
		}
		f.Textf("%d queued", len(items))
		return nil
	})
}

// formatObject renders fields as name=value pairs in key order.
func formatObject(obj model.Object) string {
	parts := make([]string, 0, len(obj))
	for _, k := range obj.SortedKeys() {
		data, err := model.MarshalValue(obj[k])
		if err != nil {
			data = []byte("?")
		}
		parts = append(parts, k+"="+string(data))
	}
	return strings.Join(parts, " ")
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Return a parked mutation to the queue",
		Long: `Reset a rejected mutation's retry budget and queue it for the next sync.

Example:
  scoresync retry 01963f8a-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, "retry", args[0], func(ctx context.Context, d *deviceEnv, id string) error {
				return d.engine.Retry(ctx, id)
			})
		},
	}
	return cmd
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a queued mutation",
		Long: `Remove a mutation from the local queue without sending it. A mutation in a
batch whose outcome is still unknown cannot be discarded; run recover first.

Example:
  scoresync discard 01963f8a-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAction(rootOpts, cmd, "discard", args[0], func(ctx context.Context, d *deviceEnv, id string) error {
				return d.engine.Discard(ctx, id)
			})
		},
	}
	return cmd
}

// QueueActionResult is the JSON payload of retry and discard.
type QueueActionResult struct {
	Action     string `json:"action"`
	MutationID string `json:"mutation_id"`
	Pending    int    `json:"pending"`
}

func runQueueAction(opts *RootOptions, cmd *cobra.Command, action, id string, fn func(context.Context, *deviceEnv, string) error) error {
	f := newFormatter(opts, cmd)

	return withDevice(opts, cmd, func(ctx context.Context, d *deviceEnv) error {
		if err := fn(ctx, d, id); err != nil {
			return f.Fail(ExitFailure, action+" failed", err)
		}
		pending, err := d.engine.PendingCount(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to count pending mutations", err)
		}
		if f.JSON() {
			return f.Success(QueueActionResult{Action: action, MutationID: id, Pending: pending})
		}
		f.Textf("%s %s (%d pending)", actionVerb(action), id, pending)
		return nil
	})
}

func actionVerb(action string) string {
	switch action {
	case "retry":
		return "Requeued"
	case "discard":
		return "Discarded"
	default:
		return action
	}
}
