package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/remote"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Roles []string
	Sync  bool
}

// EnqueueResult is the JSON payload of a queued edit.
type EnqueueResult struct {
	MutationID string       `json:"mutation_id"`
	EntityID   string       `json:"entity_id"`
	Fields     model.Object `json:"fields"`
	Pending    int          `json:"pending"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <entity-id> <entity-type> <field=value>...",
		Short: "Queue a local edit",
		Long: `Record an edit of one entity in the local queue.

Values are parsed as integers, booleans, null, JSON arrays or objects, and
fall back to strings. The edit is stamped on the device's current version of
the entity and sent on the next sync.

Example:
  scoresync enqueue card-9 scorecard hole_9=4 --role official_scorer
  scoresync enqueue t-1 tournament phase=round_1 --role committee --sync`,
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "role of the editing actor (repeatable)")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "run a sync cycle after queueing")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	fields, err := parseFields(args[2:])
	if err != nil {
		_ = f.Error(ErrCodeInvalidArg, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid fields", err)
	}
	auth, err := parseAuthority(opts.Roles)
	if err != nil {
		_ = f.Error(ErrCodeInvalidArg, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid role", err)
	}

	return withDevice(opts.RootOptions, cmd, func(ctx context.Context, d *deviceEnv) error {
		id, err := d.engine.EnqueueMutation(ctx, args[0], args[1], fields, auth)
		if err != nil {
			return f.Fail(ExitFailure, "enqueue failed", err)
		}
		f.VerboseLog("queued %s for %s", id, args[0])

		if opts.Sync {
			if err := d.engine.SyncOnce(ctx); err != nil {
				return f.Fail(ExitFailure, "sync failed", err)
			}
		}

		pending, err := d.engine.PendingCount(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to count pending mutations", err)
		}

		if f.JSON() {
			return f.Success(EnqueueResult{
				MutationID: id,
				EntityID:   args[0],
				Fields:     fields,
				Pending:    pending,
			})
		}
		f.Textf("Queued %s (%d pending)", id, pending)
		return nil
	})
}

// parseFields turns field=value arguments into a field map.
func parseFields(args []string) (model.Object, error) {
	fields := make(model.Object, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		if _, dup := fields[name]; dup {
			return nil, fmt.Errorf("field %q given twice", name)
		}
		fields[name] = model.ParseScalar(raw)
	}
	return fields, nil
}

// parseAuthority builds the actor's authority from --role flags.
func parseAuthority(roles []string) (model.Authority, error) {
	out := make([]model.Role, 0, len(roles))
	for _, r := range roles {
		role := model.Role(r)
		if !role.Declared() {
			return model.Authority{}, fmt.Errorf("unknown role %q", r)
		}
		out = append(out, role)
	}
	return model.NewAuthority(out...), nil
}

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
}

// PullResult is the JSON payload of a pulled entity.
type PullResult struct {
	Entity  *model.Entity `json:"entity"`
	History int           `json:"history"`
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull <entity-id>...",
		Short: "Copy entities from the store of record",
		Long: `Fetch entities and their edit history from the store of record into the
local database, so they can be viewed and edited offline.

Example:
  scoresync pull card-9 t-1`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, args, cmd)
		},
	}

	return cmd
}

func runPull(opts *PullOptions, ids []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	return withDevice(opts.RootOptions, cmd, func(ctx context.Context, d *deviceEnv) error {
		results := make([]PullResult, 0, len(ids))
		for _, id := range ids {
			res, err := pullEntity(ctx, d, id)
			if err != nil {
				return f.Fail(ExitFailure, fmt.Sprintf("pull %s failed", id), err)
			}
			results = append(results, res)
			f.Textf("Pulled %s (%d history entries)", id, res.History)
		}
		if f.JSON() {
			return f.Success(results)
		}
		return nil
	})
}

// pullEntity ingests the server's entity and its full history.
func pullEntity(ctx context.Context, d *deviceEnv, id string) (PullResult, error) {
	ent, err := d.remote.Fetch(ctx, id)
	if err != nil {
		return PullResult{}, err
	}
	if ent == nil {
		return PullResult{}, fmt.Errorf("entity %s not found", id)
	}
	history, err := d.remote.History(ctx, id, nil)
	if err != nil {
		return PullResult{}, err
	}
	if len(history) == 0 {
		if err := d.engine.Ingest(ctx, remote.Change{Entity: ent}); err != nil {
			return PullResult{}, err
		}
	}
	for _, h := range history {
		if err := d.engine.Ingest(ctx, remote.Change{Entity: ent, Entry: h}); err != nil {
			return PullResult{}, err
		}
	}
	view, err := d.engine.View(ctx, id)
	if err != nil {
		return PullResult{}, err
	}
	return PullResult{Entity: view, History: len(history)}, nil
}
