// Package rooms is the in-memory room registry for the signaling relay.
//
// A Registry owns every room and the peers inside it. Rooms are created
// implicitly by the first join, deleted when the last peer leaves, and swept
// once they outlive the configured TTL. The registry knows nothing about
// WebSockets or message formats: peers are represented by a Channel that
// accepts already-encoded frames.
//
// All operations are serialized by a single mutex, so a capacity check and
// the insert that follows it are observed atomically by concurrent joiners,
// and broadcasts to a room are delivered in the order they were accepted.
package rooms
