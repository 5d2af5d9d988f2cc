package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

// ErrUnavailable marks transient transport failures: the store of record
// could not be reached or did not answer. Callers retry with backoff.
var ErrUnavailable = errors.New("remote unavailable")

// Outcome is the store of record's verdict on one submitted mutation.
type Outcome string

const (
	// Applied: the mutation was the newest causal descendant and was applied.
	Applied Outcome = "applied"
	// Superseded: the server holds a version the mutation's base has not
	// seen. Entity and History describe the server side for detection.
	Superseded Outcome = "superseded"
	// Duplicate: a mutation with the same id was applied before.
	Duplicate Outcome = "duplicate"
	// Rejected: business rules refused the mutation. Not retried.
	Rejected Outcome = "rejected"
	// Deferred: not attempted because an earlier mutation of the same
	// entity in the batch was not applied. Resend after the earlier one.
	Deferred Outcome = "deferred"
)

// Batch is a group of mutations sent in one round trip.
type Batch struct {
	ID        string           `json:"id"`
	ClientID  string           `json:"client_id"`
	Mutations []model.Mutation `json:"mutations"`
	// Minimal marks a reduced batch sent on a degraded network.
	Minimal bool      `json:"minimal,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Result is the verdict on one mutation of a batch.
type Result struct {
	MutationID string  `json:"mutation_id"`
	Outcome    Outcome `json:"outcome"`
	// Entity is the server's state after the verdict.
	Entity *model.Entity `json:"entity,omitempty"`
	// History holds the server's edits the mutation's base has not seen,
	// or the entry recording the mutation itself when applied.
	History []model.HistoryEntry `json:"history,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// BatchResult answers a Batch. Results follow the batch's mutation order.
type BatchResult struct {
	BatchID string   `json:"batch_id"`
	Results []Result `json:"results"`
	// ServerTime is the server's wall clock when the batch was handled, used
	// for clock-offset estimation.
	ServerTime time.Time `json:"server_time"`
}

// Result returns the verdict for a mutation id.
func (r BatchResult) Result(mutationID string) (Result, bool) {
	for _, res := range r.Results {
		if res.MutationID == mutationID {
			return res, true
		}
	}
	return Result{}, false
}

// Change is a change notification pushed by the store of record.
type Change struct {
	Entity *model.Entity      `json:"entity"`
	Entry  model.HistoryEntry `json:"entry"`
}

// Remote is the store of record as seen from a device.
type Remote interface {
	// Fetch returns the server's state of an entity, nil when unknown.
	Fetch(ctx context.Context, entityID string) (*model.Entity, error)
	// Submit sends a batch. A transport error means the outcome of every
	// mutation in the batch is unknown.
	Submit(ctx context.Context, b Batch) (BatchResult, error)
	// History returns the edits of an entity not dominated by since, in
	// append order. A nil since returns the full history.
	History(ctx context.Context, entityID string, since version.Vector) ([]model.HistoryEntry, error)
	// Subscribe streams change notifications until ctx is done. The channel
	// is closed when the stream ends.
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// StatusError is a non-retryable refusal by the HTTP store of record.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote status %d: %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
