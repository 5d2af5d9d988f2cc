// Package store provides SQLite-backed durable local state for a sync client.
//
// The store holds:
//   - Entities: server-confirmed state, keyed by id
//   - Pending mutations: the outbound queue, ordered by creation seq
//   - Acknowledged mutations: ids the server has settled
//   - Sync marker: the single in-flight batch record
//   - Conflict log: bounded, most recent conflict records
//   - Edit history: append-only confirmed changes
//
// # Critical Patterns
//
// Crash atomicity
//   - Every operation is one SQLite transaction with synchronous=FULL
//   - Settling a mutation (entity, history, conflict, queue, ack, marker)
//     commits together or not at all
//
// Idempotency
//   - Enqueue, acknowledgment, conflict and history appends use
//     ON CONFLICT DO NOTHING, so duplicate delivery changes nothing
//
// Deterministic ordering
//   - Queue and log reads use ORDER BY seq ASC
//
// Notifications
//   - Entity and conflict subscribers are called after commit, outside any
//     lock, on the committing goroutine
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: Commits survive power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
