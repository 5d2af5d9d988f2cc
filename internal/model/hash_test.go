package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/version"
)

func TestConflictIDDeterminism(t *testing.T) {
	server := version.Vector{"dev-a": 2, "dev-b": 1}

	id1, err := ConflictID("mut-1", server)
	require.NoError(t, err)
	id2, err := ConflictID("mut-1", server.Clone())
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "ConflictID must be deterministic")
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestConflictIDChangesWithInput(t *testing.T) {
	server := version.Vector{"dev-a": 2}

	id1 := MustConflictID("mut-1", server)
	id2 := MustConflictID("mut-2", server)
	id3 := MustConflictID("mut-1", version.Vector{"dev-a": 3})

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestConflictIDIgnoresZeroComponents(t *testing.T) {
	a := MustConflictID("mut-1", version.Vector{"dev-a": 1})
	b := MustConflictID("mut-1", version.Vector{"dev-a": 1, "dev-z": 0})

	assert.Equal(t, a, b)
}

func TestMutationDigestIgnoresBookkeeping(t *testing.T) {
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	base := version.Vector{"dev-a": 1}
	m1 := NewMutation("mut-1", "card-1", "scorecard", "dev-a", Object{"hole_9": Int(4)}, base, NewAuthority(RolePlayer), at)
	m2 := m1
	m2.ID = "mut-2"
	m2.RetryCount = 3

	d1, err := MutationDigest(m1)
	require.NoError(t, err)
	d2, err := MutationDigest(m2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	m2.ChangedFields = Object{"hole_9": Int(5)}
	d3, err := MutationDigest(m2)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestEntityDigest_IgnoresAdvisoryMetadata(t *testing.T) {
	a := &Entity{
		ID:        "sc-1",
		Type:      "scorecard",
		Fields:    Object{"hole_1": Int(4)},
		Version:   version.Vector{"a": 1, "b": 0},
		UpdatedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	b := a.Clone()
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	b.Version = version.Vector{"a": 1}

	da, err := EntityDigest(a)
	require.NoError(t, err)
	db, err := EntityDigest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	b.Fields["hole_1"] = Int(5)
	dc, err := EntityDigest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}
