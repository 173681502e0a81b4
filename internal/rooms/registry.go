package rooms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

const (
	DefaultMaxPeersPerRoom = 2
	DefaultRoomTTL         = time.Hour
	DefaultSweepInterval   = time.Minute
)

// DuplicatePolicy decides what JoinRoom does when the peer id is already
// present in the room.
type DuplicatePolicy string

const (
	// DuplicateReject fails the join with ErrPeerExists.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateReplace installs the new channel under the existing id and
	// closes the displaced one.
	DuplicateReplace DuplicatePolicy = "replace"
)

// ParseDuplicatePolicy parses a policy name (case-insensitive).
func ParseDuplicatePolicy(raw string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DuplicateReject), "":
		return DuplicateReject, nil
	case string(DuplicateReplace):
		return DuplicateReplace, nil
	default:
		return "", fmt.Errorf("invalid duplicate peer policy %q (expected %s or %s)", raw, DuplicateReject, DuplicateReplace)
	}
}

// Clock supplies the registry's notion of now.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the fixed parameters of a Registry.
type Config struct {
	// MaxPeersPerRoom caps room occupancy. Values <= 0 use
	// DefaultMaxPeersPerRoom.
	MaxPeersPerRoom int
	// RoomTTL is the age after which a room is removed by the sweep. Values
	// <= 0 use DefaultRoomTTL.
	RoomTTL         time.Duration
	DuplicatePolicy DuplicatePolicy

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher
}

// Registry maps room ids to rooms.
type Registry struct {
	maxPeers  int
	ttl       time.Duration
	duplicate DuplicatePolicy

	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	events  events.Publisher

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg Config) *Registry {
	r := &Registry{
		maxPeers:  cfg.MaxPeersPerRoom,
		ttl:       cfg.RoomTTL,
		duplicate: cfg.DuplicatePolicy,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		rooms:     make(map[string]*room),
	}
	if r.maxPeers <= 0 {
		r.maxPeers = DefaultMaxPeersPerRoom
	}
	if r.ttl <= 0 {
		r.ttl = DefaultRoomTTL
	}
	if r.duplicate == "" {
		r.duplicate = DuplicateReject
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.events == nil {
		r.events = events.Nop{}
	}
	return r
}

func (r *Registry) MaxPeersPerRoom() int { return r.maxPeers }

func (r *Registry) RoomTTL() time.Duration { return r.ttl }

// CreateRoom inserts an empty room stamped with the current time.
//
// Creation is non-destructive: if the room already exists it is returned
// unchanged and created is false.
func (r *Registry) CreateRoom(roomID string) (info RoomInfo, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, created := r.getOrCreateLocked(roomID)
	return rm.info(), created
}

// GetRoom returns a snapshot of the room, if present.
func (r *Registry) GetRoom(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// JoinRoom adds peerID to the room, creating the room if it does not exist.
// It returns the room's occupancy after the join.
//
// A full room yields ErrRoomFull. A peer id already present yields
// ErrPeerExists under DuplicateReject; under DuplicateReplace the displaced
// channel is closed and the new one takes its place. Failed joins leave the
// registry unchanged.
func (r *Registry) JoinRoom(roomID, peerID string, ch Channel) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, _ := r.getOrCreateLocked(roomID)

	if existing, ok := rm.peers[peerID]; ok {
		if r.duplicate != DuplicateReplace {
			r.metrics.Inc(metrics.JoinRejectedDup)
			r.log.Info("join rejected: duplicate peer id", "room_id", roomID, "peer_id", peerID)
			return 0, ErrPeerExists
		}
		displaced := existing.ch
		existing.ch = ch
		if displaced != ch {
			displaced.Close()
		}
		r.metrics.Inc(metrics.PeersReplaced)
		r.publishLocked(events.MemberReplaced, rm, peerID)
		r.log.Info("peer replaced", "room_id", roomID, "peer_id", peerID)
		return len(rm.peers), nil
	}

	if len(rm.peers) >= r.maxPeers {
		r.metrics.Inc(metrics.JoinRejectedFull)
		r.log.Info("join rejected: room full", "room_id", roomID, "peer_id", peerID, "max_peers", r.maxPeers)
		return 0, ErrRoomFull
	}

	rm.add(&peer{id: peerID, ch: ch})
	r.metrics.Inc(metrics.PeersJoined)
	r.publishLocked(events.MemberJoined, rm, peerID)
	r.log.Info("peer joined", "room_id", roomID, "peer_id", peerID, "peers", len(rm.peers), "max_peers", r.maxPeers)
	return len(rm.peers), nil
}

// LeaveRoom removes peerID from the room and deletes the room once it is
// empty. Unknown rooms and peers are ignored.
func (r *Registry) LeaveRoom(roomID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(roomID, peerID, nil)
}

// LeaveRoomChannel is LeaveRoom restricted to the entry still holding ch. It
// reports whether an entry was removed.
//
// Disconnect paths use it so that a connection displaced under
// DuplicateReplace does not evict the peer that replaced it.
func (r *Registry) LeaveRoomChannel(roomID, peerID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(roomID, peerID, ch)
}

// DeleteRoom removes the room unconditionally. Peer channels are left open.
func (r *Registry) DeleteRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteLocked(roomID, events.RoomDeleted)
}

// BroadcastToPeers encodes msg as JSON once and sends it to every peer in the
// room except senderID. It returns the number of peers the frame was
// delivered to.
func (r *Registry) BroadcastToPeers(roomID, senderID string, msg any) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast: %w", err)
	}
	return r.BroadcastRaw(roomID, senderID, data), nil
}

// BroadcastRaw sends an already-encoded frame to every peer in the room
// except senderID, in join order. Peers whose channel is not writable are
// skipped. Unknown rooms are ignored.
func (r *Registry) BroadcastRaw(roomID, senderID string, data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}

	delivered, dropped := 0, 0
	for _, id := range rm.order {
		if id == senderID {
			continue
		}
		if rm.peers[id].ch.Send(data) {
			delivered++
		} else {
			dropped++
		}
	}
	r.metrics.Add(metrics.SendsDelivered, uint64(delivered))
	r.metrics.Add(metrics.SendsDropped, uint64(dropped))
	return delivered
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// PeerCount returns the room's occupancy, or 0 for an unknown room.
func (r *Registry) PeerCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.peers)
}

// TotalPeers returns the number of peers across all rooms.
func (r *Registry) TotalPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rm := range r.rooms {
		n += len(rm.peers)
	}
	return n
}

func (r *Registry) getOrCreateLocked(roomID string) (*room, bool) {
	if rm, ok := r.rooms[roomID]; ok {
		return rm, false
	}
	rm := newRoom(roomID, r.clock.Now())
	r.rooms[roomID] = rm
	r.metrics.Inc(metrics.RoomsCreated)
	r.publishLocked(events.RoomCreated, rm, "")
	r.log.Info("room created", "room_id", roomID)
	return rm, true
}

func (r *Registry) leaveLocked(roomID, peerID string, ch Channel) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	p, ok := rm.peers[peerID]
	if !ok {
		return false
	}
	if ch != nil && p.ch != ch {
		return false
	}

	rm.remove(peerID)
	r.metrics.Inc(metrics.PeersLeft)
	r.publishLocked(events.MemberLeft, rm, peerID)
	r.log.Info("peer left", "room_id", roomID, "peer_id", peerID, "peers", len(rm.peers))

	if len(rm.peers) == 0 {
		r.deleteLocked(roomID, events.RoomDeleted)
	}
	return true
}

// deleteLocked removes the room; reason is the event type to publish.
func (r *Registry) deleteLocked(roomID, reason string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(r.rooms, roomID)

	if reason == events.RoomExpired {
		r.metrics.Inc(metrics.RoomsExpired)
	} else {
		r.metrics.Inc(metrics.RoomsDeleted)
	}
	r.publishLocked(reason, rm, "")
	r.log.Info("room deleted", "room_id", roomID, "reason", reason)
}

func (r *Registry) publishLocked(typ string, rm *room, peerID string) {
	r.events.Publish(events.Event{
		Type:   typ,
		RoomID: rm.id,
		PeerID: peerID,
		Peers:  len(rm.peers),
		Time:   r.clock.Now(),
	})
}
