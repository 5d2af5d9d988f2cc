// Package remote is the device's view of the store of record.
//
// The store of record applies a submitted mutation only when the mutation's
// base version is a strict causal descendant of the server's version.
// Anything else comes back superseded, together with the server state and
// the edits the mutation's base has not seen, so the device can detect and
// resolve the conflict and resubmit. Applied mutation ids are remembered, so
// resubmitting after a lost response is reported as a duplicate instead of
// being applied twice.
//
// Memory is the in-process implementation used by tests, the scenario
// harness and the demo server. HTTPClient talks to a remote instance over
// HTTP with a websocket change stream; Handler serves a Memory that way.
package remote
