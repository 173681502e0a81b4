package rooms

import "time"

// Channel is the outbound side of a peer's connection.
//
// The registry calls Send and Close while holding its lock; implementations
// must not block and must not call back into the Registry.
type Channel interface {
	// Send enqueues an encoded frame. It returns false when the channel is
	// not writable (closed, closing, or its queue is full).
	Send(msg []byte) bool
	// Close closes the channel. It must be idempotent.
	Close()
}

type peer struct {
	id string
	ch Channel
}

type room struct {
	id        string
	createdAt time.Time
	peers     map[string]*peer
	// order holds peer ids in join order so fan-out is deterministic.
	order []string
}

func newRoom(id string, now time.Time) *room {
	return &room{
		id:        id,
		createdAt: now,
		peers:     make(map[string]*peer),
	}
}

func (rm *room) add(p *peer) {
	rm.peers[p.id] = p
	rm.order = append(rm.order, p.id)
}

func (rm *room) remove(peerID string) {
	delete(rm.peers, peerID)
	for i, id := range rm.order {
		if id == peerID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
}

func (rm *room) info() RoomInfo {
	return RoomInfo{
		ID:        rm.id,
		CreatedAt: rm.createdAt,
		Peers:     append([]string(nil), rm.order...),
	}
}

// RoomInfo is a point-in-time snapshot of a room.
type RoomInfo struct {
	ID        string
	CreatedAt time.Time
	// Peers lists peer ids in join order.
	Peers []string
}
