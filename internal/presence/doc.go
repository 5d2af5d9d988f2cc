// Package presence tracks which other clients are editing an entity.
//
// A Notifier announces this client's begin/end editing signals through a
// Broadcaster and records the signals of peers. Peer entries expire after
// a TTL unless refreshed, so a device that vanishes without sending end
// drops out on its own.
//
// Presence is advisory only. The conflict detector and the resolution
// chain never consult it, writes never wait on it, and delivery failures
// are logged at debug level and dropped.
//
// Hub relays signals between websocket peers; Dial connects a Conn
// broadcaster to a Hub. Loopback serves devices in one process.
package presence
