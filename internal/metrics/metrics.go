package metrics

import (
	"sort"
	"sync"
)

// Event counter names.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	RoomsCreated = "rooms_created"
	RoomsDeleted = "rooms_deleted"
	RoomsExpired = "rooms_expired"

	PeersJoined      = "peers_joined"
	PeersLeft        = "peers_left"
	PeersReplaced    = "peers_replaced"
	JoinRejectedFull = "join_rejected_room_full"
	JoinRejectedDup  = "join_rejected_duplicate_peer"

	MessagesRelayed   = "messages_relayed"
	SendsDelivered    = "sends_delivered"
	SendsDropped      = "sends_dropped"
	SenderMismatch    = "sender_mismatch"
	MalformedMessages = "malformed_messages"
	UnknownMessages   = "unknown_messages"
	UnjoinedMessages  = "unjoined_messages"

	DropReasonRateLimited = "rate_limited"
	RateLimitClosed       = "rate_limit_closed"

	EventsDropped = "events_dropped"
)

// Gauge names.
const (
	GaugeConnections = "connections"
	GaugeRooms       = "rooms"
	GaugePeers       = "peers"
)

// Metrics is a concurrency-safe counter registry plus a set of gauges that
// are read on demand.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() float64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() float64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetGauge registers fn as the value source for the named gauge, replacing
// any previous source.
func (m *Metrics) SetGauge(name string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.gauges == nil {
		m.gauges = make(map[string]func() float64)
	}
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges evaluates every registered gauge. The sources are called outside of
// the Metrics mutex.
func (m *Metrics) Gauges() map[string]float64 {
	out := make(map[string]float64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.gauges))
	fns := make([]func() float64, 0, len(m.gauges))
	for name, fn := range m.gauges {
		names = append(names, name)
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for i, fn := range fns {
		out[names[i]] = fn()
	}
	return out
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
