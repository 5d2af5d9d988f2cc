// Package harness runs scripted multi-device sync scenarios against an
// in-memory store of record.
//
// A scenario seeds server state, lets simulated devices pull, edit offline,
// lose their network, crash and sync in a fixed order, then checks the
// outcome. Each device is a real engine on its own SQLite database; the
// server is remote.Memory.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: authority_ordering
//	description: "An official scorer's correction beats a player's entry"
//	devices:
//	  - id: dev-player
//	    roles: [player]
//	  - id: dev-scorer
//	    roles: [official_scorer]
//	seed:
//	  - id: card-9
//	    type: scorecard
//	    fields: { hole_9: 0 }
//	steps:
//	  - { device: dev-player, pull: card-9 }
//	  - device: dev-player
//	    enqueue: { entity: card-9, type: scorecard, fields: { hole_9: 5 }, as: mine }
//	  - { device: dev-player, sync: true }
//	  - { drop: 2 }
//	  - { advance: 5m }
//	assertions:
//	  - type: server_state
//	    entity: card-9
//	    fields: { hole_9: 4 }
//
// # Steps
//
//   - pull: fetch an entity and its history onto the device
//   - enqueue: record a local edit, optionally naming it with as
//   - sync, recover: run one sync cycle or resume an interrupted batch
//   - restart: reopen the device's engine on the same database
//   - network: take the device offline or bring it online
//   - drop: make the server apply a prefix of the next batch and lose the response
//   - advance: move the shared clock
//   - retry, discard: act on a parked mutation by alias
//
// # Assertion Types
//
//   - server_state, device_state: subset match on entity fields
//   - pending: queue depth of a device
//   - conflict: conflict records filtered by resolution, winner and visibility
//   - applied: the server applied a named mutation
//   - history: number of edit history entries
//   - failure: failures surfaced to a device's UI
//
// # Deterministic Testing
//
// Devices and server share one manual clock moved only by advance steps,
// and mutation ids come from per-device sequences. The trace omits ids and
// version vectors, so it is stable enough to compare against golden files.
package harness
