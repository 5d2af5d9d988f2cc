// Package engine implements the device-side sync orchestrator.
//
// The engine owns the durable pending queue. The UI enqueues mutations and
// subscribes to confirmed state; the engine ships queued mutations to the
// store of record, settles the verdicts, and runs conflict detection and
// the resolution chain when a mutation was superseded.
//
// ARCHITECTURE:
//
// Run Loop:
// A single goroutine drains an event queue of sync requests and change
// notifications. Sync requests coalesce; a periodic timer adds one.
//
// Sync Cycle:
//  1. Resume the batch named by the transaction marker, if any
//  2. Pick the next batch: per-entity FIFO, ranked by criticality, age, size
//  3. Persist the marker, then submit with exponential backoff
//  4. Settle every verdict in batch order, each in one store transaction
//  5. Clear the marker; repeat until nothing is sendable
//
// Outcomes:
//   - applied, duplicate: the server state becomes the confirmed state
//   - superseded: detect, then rebase or resolve; a rebased successor keeps
//     the original's queue position
//   - rejected: the mutation is parked for the user (discard or retry)
//   - deferred: left queued behind its entity's unsettled mutation
//
// CRITICAL PATTERNS:
//
// Durable Before Network:
// A mutation is enqueued, and a batch's marker written, before anything is
// sent. A crash at any point leaves either a resumable marker or an
// untouched queue.
//
// At-Least-Once, Applied-Once:
// Interrupted batches are resent under their original id; the store of
// record answers already-applied mutations as duplicates.
//
// Per-Entity FIFO:
// A mutation never overtakes an earlier mutation of the same entity, in
// selection, on the server, or after a failure (the entity is held).
package engine
