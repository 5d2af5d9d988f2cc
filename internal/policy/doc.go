// Package policy loads per-entity-type resolution policies declared in CUE.
//
// A policy names an entity type's criticality (which orders sync
// priority), the merge strategy of each field, the fields kept in minimal
// sync, irreversible statuses with the roles allowed to set them, and an
// optional phase machine. A default tournament policy is embedded.
package policy
