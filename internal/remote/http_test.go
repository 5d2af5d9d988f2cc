package remote

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

func newTestServer(t *testing.T, mem *Memory, opts ...HTTPOption) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(Handler(mem, discard()))
	t.Cleanup(srv.Close)

	opts = append([]HTTPOption{WithHTTPLogger(discard())}, opts...)
	client, err := NewHTTPClient(srv.URL, opts...)
	require.NoError(t, err)
	return client
}

func TestHTTPClient_FetchMissing(t *testing.T) {
	client := newTestServer(t, newTestMemory())

	e, err := client.Fetch(context.Background(), "sc-404")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestHTTPClient_SubmitAndFetch(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	client := newTestServer(t, mem)

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{
		"hole_1": model.Int(4),
		"notes":  model.String("windy"),
	})
	res, err := client.Submit(ctx, Batch{ID: "b-1", ClientID: "a", Mutations: []model.Mutation{m}, SentAt: t0})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, Applied, res.Results[0].Outcome)
	assert.True(t, res.ServerTime.Equal(t0))

	e, err := client.Fetch(ctx, "sc-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, model.Int(4), e.Fields["hole_1"])
	assert.Equal(t, model.String("windy"), e.Fields["notes"])
	assert.Equal(t, version.Vector{"a": 1}, e.Version)
}

func TestHTTPClient_MinimalBatchIsCompressed(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	client := newTestServer(t, mem)

	m := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	res, err := client.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m}, Minimal: true})
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Results[0].Outcome)
	assert.True(t, mem.Applied("m-1"))
}

func TestHTTPClient_HistorySince(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	client := newTestServer(t, mem)

	m1 := mutation("m-1", "a", version.Vector{"a": 1}, model.Object{"hole_1": model.Int(4)})
	m2 := mutation("m-2", "b", version.Vector{"a": 1, "b": 1}, model.Object{"hole_2": model.Int(3)})
	_, err := client.Submit(ctx, Batch{ID: "b-1", Mutations: []model.Mutation{m1, m2}})
	require.NoError(t, err)

	all, err := client.History(ctx, "sc-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	since, err := client.History(ctx, "sc-1", version.Vector{"a": 1})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "m-2", since[0].MutationID)
	assert.Equal(t, model.Int(3), since[0].ChangedFields["hole_2"])
}

func TestHTTPClient_UnavailableOpensBreaker(t *testing.T) {
	ctx := context.Background()
	mem := newTestMemory()
	client := newTestServer(t, mem, WithBreaker(2, time.Minute))
	mem.SetOffline(true)

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(ctx, "sc-1")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", client.BreakerState())

	mem.SetOffline(false)
	_, err := client.Fetch(ctx, "sc-1")
	assert.ErrorIs(t, err, ErrUnavailable, "open breaker fails fast")
}

func TestHTTPClient_SubscribeOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := newTestMemory()
	client := newTestServer(t, mem)

	changes, err := client.Subscribe(ctx)
	require.NoError(t, err)

	// The server registers its subscription after the upgrade completes, so
	// keep writing until a notification arrives.
	var got Change
	n := 0
	require.Eventually(t, func() bool {
		select {
		case got = <-changes:
			return true
		default:
		}
		n++
		m := mutation(fmt.Sprintf("m-%d", n), "a", version.Vector{"a": uint64(n)}, model.Object{"hole_1": model.Int(int64(n))})
		_, _ = mem.Submit(ctx, Batch{ID: fmt.Sprintf("b-%d", n), Mutations: []model.Mutation{m}})
		return false
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "sc-1", got.Entity.ID)
	assert.NotEmpty(t, got.Entry.MutationID)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewHTTPClient_RejectsScheme(t *testing.T) {
	_, err := NewHTTPClient("ftp://example.com")
	assert.Error(t, err)
}
