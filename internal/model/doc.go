// Package model defines the synchronized data model: entities, pending
// mutations, authority contexts, conflict records and edit history.
//
// model imports only internal/version. Every other internal package builds
// on it.
//
// Key design constraints:
//   - NO float types in field values; scores and strokes are int64
//   - A mutation's BaseVersion is cloned on construction and never modified
//   - Content ids use canonical JSON with domain-separated SHA-256
//   - All JSON tags use snake_case
package model
