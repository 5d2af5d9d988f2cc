package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

var testTime = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a pending scorecard mutation.
func createTestMutation(id, entityID string, strokes int64) model.Mutation {
	return model.NewMutation(id, entityID, "scorecard", "dev-a",
		model.Object{"hole_9": model.Int(strokes)},
		version.Vector{"dev-a": 1},
		model.NewAuthority(model.RolePlayer),
		testTime,
	)
}

// createTestEntity creates a confirmed scorecard.
func createTestEntity(id string, strokes int64, v version.Vector) *model.Entity {
	return &model.Entity{
		ID:        id,
		Type:      "scorecard",
		Fields:    model.Object{"hole_9": model.Int(strokes)},
		UpdatedAt: testTime,
		Version:   v,
		LineageID: id,
	}
}

// createTestConflict creates a conflict record with a content-addressed id.
func createTestConflict(mutationID, entityID string) model.ConflictRecord {
	server := version.Vector{"dev-b": 1}
	return model.ConflictRecord{
		ID:         model.MustConflictID(mutationID, server),
		EntityID:   entityID,
		MutationID: mutationID,
		ConflictingFields: []model.FieldDiff{{
			Field: "hole_9", Local: model.Int(4), Server: model.Int(5), Resolved: model.Int(5),
		}},
		Resolution:    model.ResolutionAuthority,
		Winner:        "server",
		Visible:       true,
		ServerVersion: server,
		ResolvedAt:    testTime,
	}
}
