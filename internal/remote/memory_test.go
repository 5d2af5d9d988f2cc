package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMemory(opts ...MemoryOption) *Memory {
	opts = append([]MemoryOption{
		WithServerClock(func() time.Time { return t0 }),
		WithMemoryLogger(discard()),
	}, opts...)
	return NewMemory(opts...)
}

func mutation(id, writer string, base version.Vector, fields model.Object) model.Mutation {
	return model.NewMutation(id, "sc-1", "scorecard", writer, fields, base, model.NewAuthority(model.RoleRecorder), t0)
}

func TestMemory_AppliesNewEntity(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	res, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}})
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, Applied, res.Results[0].Outcome)
	assert.Equal(t, t0, res.ServerTime)
	assert.Equal(t, model.Int(4), res.Results[0].Entity.Fields["hole_1"])
	assert.True(t, mem.Applied("m-1"))

	got, err := mem.Fetch(ctx, "sc-1")
	require.NoError(t, err)
	assert.Equal(t, version.Vector{"a": 1}, got.Version)

	history, err := mem.History(ctx, "sc-1", nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "m-1", history[0].MutationID)
	assert.Equal(t, "a", history[0].Writer)
}

func TestMemory_ResubmitIsDuplicate(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	_, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}})
	require.NoError(t, err)

	res, err := mem.Submit(ctx, Batch{ID: "b-2", Mutations: []model.Mutation{m}})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Results[0].Outcome)

	history, err := mem.History(ctx, "sc-1", nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemory_StaleBaseIsSuperseded(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	mem.Seed(&model.Entity{
		ID:      "sc-1",
		Type:    "scorecard",
		Fields:  model.Object{"hole_1": model.Int(3)},
		Version: version.Vector{"origin": 1},
	}, "origin", model.NewAuthority(model.RoleOfficialScorer))

	b := mutation("m-b", "b", version.Vector{"origin": 1, "b": 1}, model.Object{"hole_1": model.Int(4)})
	a := mutation("m-a", "a", version.Vector{"origin": 1, "a": 1}, model.Object{"hole_1": model.Int(5)})

	res, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{b, a}})
	require.NoError(t, err)

	first, ok := res.Result("m-b")
	require.True(t, ok)
	assert.Equal(t, Applied, first.Outcome)

	second, ok := res.Result("m-a")
	require.True(t, ok)
	assert.Equal(t, Superseded, second.Outcome)
	assert.Equal(t, model.Int(4), second.Entity.Fields["hole_1"])
	require.Len(t, second.History, 1, "only the edit a's base has not seen")
	assert.Equal(t, "m-b", second.History[0].MutationID)
	assert.False(t, mem.Applied("m-a"))
}

func TestMemory_DefersBehindUnappliedMutation(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	mem.Seed(&model.Entity{
		ID:      "sc-1",
		Type:    "scorecard",
		Fields:  model.Object{"hole_1": model.Int(3)},
		Version: version.Vector{"origin": 2},
	}, "origin", model.Authority{})

	stale := mutation("m-1", "a", version.Vector{"origin": 1, "a": 1}, model.Object{"hole_1": model.Int(4)})
	next := mutation("m-2", "a", version.Vector{"origin": 2, "a": 2}, model.Object{"hole_2": model.Int(5)})
	other := model.NewMutation("m-3", "sc-2", "scorecard", "a", model.Object{"hole_1": model.Int(6)},
		version.Vector{"a": 1}, model.NewAuthority(model.RoleRecorder), t0)

	res, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{stale, next, other}})
	require.NoError(t, err)

	assert.Equal(t, Superseded, res.Results[0].Outcome)
	assert.Equal(t, Deferred, res.Results[1].Outcome, "m-2 would otherwise jump ahead of m-1")
	assert.Equal(t, Applied, res.Results[2].Outcome, "other entities are unaffected")
	assert.False(t, mem.Applied("m-2"))
}

func TestMemory_EqualBaseIsSuperseded(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	mem.Seed(&model.Entity{
		ID:      "sc-1",
		Type:    "scorecard",
		Fields:  model.Object{"hole_1": model.Int(3)},
		Version: version.Vector{"a": 1},
	}, "a", model.Authority{})

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(3)})
	res, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}})
	require.NoError(t, err)
	assert.Equal(t, Superseded, res.Results[0].Outcome)
}

func TestMemory_ValidatorRejects(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory(WithValidator(func(m model.Mutation, current *model.Entity) error {
		if v, ok := m.ChangedFields["hole_1"].(model.Int); ok && v < 1 {
			return errors.New("strokes must be positive")
		}
		return nil
	}))

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(0)})
	res, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}})
	require.NoError(t, err)

	assert.Equal(t, Rejected, res.Results[0].Outcome)
	assert.Equal(t, "strokes must be positive", res.Results[0].Reason)
	assert.Nil(t, res.Results[0].Entity)
	assert.False(t, mem.Applied("m-1"))
}

func TestMemory_DropResponseAfterAppliesPrefix(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	mem.DropResponseAfter(1)

	m1 := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	m2 := mutation("m-2", "a", version.Vector{"a": 2}, model.Object{"hole_2": model.Int(5)})

	_, err := mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m1, m2}})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, mem.Applied("m-1"))
	assert.False(t, mem.Applied("m-2"))

	res, err := mem.Submit(ctx, Batch{ID: "b-2", Mutations: []model.Mutation{m1, m2}})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Results[0].Outcome)
	assert.Equal(t, Applied, res.Results[1].Outcome)
}

func TestMemory_Offline(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	mem.SetOffline(true)

	_, err := mem.Fetch(ctx, "sc-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = mem.Submit(ctx, Batch{ID: "b-1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = mem.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))

	mem.SetOffline(false)
	_, err = mem.Fetch(ctx, "sc-1")
	assert.NoError(t, err)
}

func TestMemory_SubscribeStreamsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mem := newTestMemory()

	changes, err := mem.Subscribe(ctx)
	require.NoError(t, err)

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	_, err = mem.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}})
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, "sc-1", c.Entity.ID)
		assert.Equal(t, "m-1", c.Entry.MutationID)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrUnavailable))
	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.False(t, IsTransient(&StatusError{Code: 400}))
	assert.False(t, IsTransient(context.Canceled))
}
