// Package events publishes room lifecycle events (rooms created, deleted or
// expired; peers joining and leaving) to an external feed.
//
// Signaling payloads (SDP, ICE candidates) are never published. Publishers
// must not block: the room registry calls Publish while holding its lock.
package events

import "time"

// Event routing keys.
const (
	RoomCreated    = "room.created"
	RoomDeleted    = "room.deleted"
	RoomExpired    = "room.expired"
	MemberJoined   = "member.joined"
	MemberLeft     = "member.left"
	MemberReplaced = "member.replaced"
)

// Event is one room lifecycle transition.
type Event struct {
	Type   string    `json:"type"`
	RoomID string    `json:"roomId"`
	PeerID string    `json:"peerId,omitempty"`
	Peers  int       `json:"peers"`
	Time   time.Time `json:"time"`
}

// Publisher accepts events. Implementations must return promptly.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
