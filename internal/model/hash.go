package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/scoresync/internal/version"
)

// Domain prefixes for content-addressed ids.
const (
	DomainConflict = "scoresync/conflict/v1"
	DomainMutation = "scoresync/mutation/v1"
	DomainEntity   = "scoresync/entity/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ConflictID is the content address of a conflict record. Resolving the same
// mutation against the same server version always yields the same id, so a
// duplicate batch delivery cannot append a second record.
func ConflictID(mutationID string, serverVersion version.Vector) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"mutation_id":    mutationID,
		"server_version": nonZero(serverVersion),
	})
	if err != nil {
		return "", fmt.Errorf("conflict id: %w", err)
	}
	return hashWithDomain(DomainConflict, canonical), nil
}

// MutationDigest hashes the semantic content of a mutation (entity, fields,
// base version), ignoring its id and queue bookkeeping. Two mutations with
// the same digest would have the same effect.
func MutationDigest(m Mutation) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"entity_id":      m.EntityID,
		"entity_type":    m.EntityType,
		"changed_fields": m.ChangedFields,
		"base_version":   nonZero(m.BaseVersion),
	})
	if err != nil {
		return "", fmt.Errorf("mutation digest: %w", err)
	}
	return hashWithDomain(DomainMutation, canonical), nil
}

// EntityDigest hashes an entity's identity, fields and version. Timestamps
// and field metadata are advisory and excluded.
func EntityDigest(e *Entity) (string, error) {
	if e == nil {
		return hashWithDomain(DomainEntity, []byte("null")), nil
	}
	canonical, err := MarshalCanonical(map[string]any{
		"id":          e.ID,
		"entity_type": e.Type,
		"fields":      e.Fields,
		"version":     nonZero(e.Version),
	})
	if err != nil {
		return "", fmt.Errorf("entity digest %s: %w", e.ID, err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}

// nonZero drops zero components; absent and zero are the same version.
func nonZero(v version.Vector) map[string]uint64 {
	out := make(map[string]uint64, len(v))
	for k, n := range v {
		if n > 0 {
			out[k] = n
		}
	}
	return out
}

// MustConflictID is like ConflictID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustConflictID(mutationID string, serverVersion version.Vector) string {
	id, err := ConflictID(mutationID, serverVersion)
	if err != nil {
		panic(err)
	}
	return id
}
