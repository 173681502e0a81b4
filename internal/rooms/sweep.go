package rooms

import (
	"context"
	"sort"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/events"
)

// ExpireRooms removes every room whose age at now exceeds the TTL. Each
// occupant's channel is closed before the room is deleted. It returns the
// expired room ids in sorted order.
func (r *Registry) ExpireRooms(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, rm := range r.rooms {
		if now.Sub(rm.createdAt) > r.ttl {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	for _, id := range expired {
		rm := r.rooms[id]
		for _, peerID := range rm.order {
			rm.peers[peerID].ch.Close()
		}
		r.log.Info("room expired", "room_id", id, "age", now.Sub(rm.createdAt), "peers", len(rm.peers))
		r.deleteLocked(id, events.RoomExpired)
	}
	return expired
}

// Run sweeps expired rooms every interval until ctx is done. Staleness is
// bounded by one interval, independent of the TTL.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireRooms(r.clock.Now())
		}
	}
}
