package engine

import (
	"context"
	"fmt"

	"github.com/roach88/scoresync/internal/model"
)

// ReplayReport is the result of replaying an entity's edit history.
type ReplayReport struct {
	EntityID string `json:"entity_id"`
	Entries  int    `json:"entries"`

	// Digest is the content hash of the replayed entity.
	Digest string `json:"digest"`

	// Deterministic is true when two independent replays agree.
	Deterministic bool `json:"deterministic"`

	// MatchesConfirmed is true when the replayed fields equal the confirmed
	// entity's fields. Versions are not compared: the confirmed vector may
	// have been pruned.
	MatchesConfirmed bool `json:"matches_confirmed"`

	// Drift lists the fields that differ from the confirmed entity.
	Drift []string `json:"drift,omitempty"`

	Replayed  *model.Entity `json:"replayed,omitempty"`
	Confirmed *model.Entity `json:"confirmed,omitempty"`
}

// CheckReplay rebuilds an entity from its locally recorded edit history and
// compares the result with the confirmed state.
//
// Applying the same history to the same base must always yield the same
// entity. A mismatch with the confirmed state means the local history is
// incomplete (edits ingested before this device joined) or application is
// not deterministic; Deterministic tells the two apart.
func (e *Engine) CheckReplay(ctx context.Context, entityID string) (*ReplayReport, error) {
	confirmed, err := e.store.Get(ctx, entityID)
	if err != nil {
		return nil, storageError("read entity", err)
	}
	history, err := e.store.History(ctx, entityID)
	if err != nil {
		return nil, storageError("read history", err)
	}

	entityType := ""
	if confirmed != nil {
		entityType = confirmed.Type
	}

	first := model.ReplayHistory(entityID, entityType, history)
	second := model.ReplayHistory(entityID, entityType, history)

	d1, err := model.EntityDigest(first)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", entityID, err)
	}
	d2, err := model.EntityDigest(second)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", entityID, err)
	}

	report := &ReplayReport{
		EntityID:      entityID,
		Entries:       len(history),
		Digest:        d1,
		Deterministic: d1 == d2,
		Replayed:      first,
		Confirmed:     confirmed,
	}

	var replayedFields, confirmedFields model.Object
	if first != nil {
		replayedFields = first.Fields
	}
	if confirmed != nil {
		confirmedFields = confirmed.Fields
	}
	report.Drift = model.Diff(replayedFields, confirmedFields)
	report.MatchesConfirmed = len(report.Drift) == 0

	if !report.Deterministic {
		e.logger.Error("replay is not deterministic",
			"entity_id", entityID,
			"first", d1,
			"second", d2,
		)
	}
	return report, nil
}
