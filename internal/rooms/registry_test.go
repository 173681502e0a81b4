package rooms

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	full   bool
}

func (c *fakeChannel) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.sent = append(c.sent, append([]byte(nil), msg...))
	return true
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, string(m))
	}
	return out
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(cfg), clk
}

func TestNew_Defaults(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: -1})
	if got := r.MaxPeersPerRoom(); got != DefaultMaxPeersPerRoom {
		t.Fatalf("MaxPeersPerRoom=%d, want %d", got, DefaultMaxPeersPerRoom)
	}
	if got := r.RoomTTL(); got != DefaultRoomTTL {
		t.Fatalf("RoomTTL=%v, want %v", got, DefaultRoomTTL)
	}
}

func TestCreateRoom_IsNonDestructive(t *testing.T) {
	r, clk := newTestRegistry(t, Config{})

	info, created := r.CreateRoom("r1")
	if !created || info.ID != "r1" || len(info.Peers) != 0 {
		t.Fatalf("CreateRoom=%+v created=%v", info, created)
	}
	created0 := info.CreatedAt

	if _, err := r.JoinRoom("r1", "a", &fakeChannel{}); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	clk.Advance(time.Minute)
	info, created = r.CreateRoom("r1")
	if created {
		t.Fatalf("expected existing room to be reused")
	}
	if !info.CreatedAt.Equal(created0) {
		t.Fatalf("CreatedAt changed: %v -> %v", created0, info.CreatedAt)
	}
	if len(info.Peers) != 1 || info.Peers[0] != "a" {
		t.Fatalf("Peers=%v, want [a]", info.Peers)
	}
}

func TestJoinRoom_CreatesRoomAndReturnsOccupancy(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	n, err := r.JoinRoom("r1", "a", &fakeChannel{})
	if err != nil || n != 1 {
		t.Fatalf("JoinRoom a: n=%d err=%v", n, err)
	}
	n, err = r.JoinRoom("r1", "b", &fakeChannel{})
	if err != nil || n != 2 {
		t.Fatalf("JoinRoom b: n=%d err=%v", n, err)
	}
	if r.RoomCount() != 1 || r.PeerCount("r1") != 2 || r.TotalPeers() != 2 {
		t.Fatalf("counts: rooms=%d peers=%d total=%d", r.RoomCount(), r.PeerCount("r1"), r.TotalPeers())
	}
	info, ok := r.GetRoom("r1")
	if !ok || len(info.Peers) != 2 || info.Peers[0] != "a" || info.Peers[1] != "b" {
		t.Fatalf("GetRoom=%+v ok=%v", info, ok)
	}
}

func TestJoinRoom_CapacityNeverExceeded(t *testing.T) {
	m := metrics.New()
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 2, Metrics: m})

	for _, id := range []string{"a", "b"} {
		if _, err := r.JoinRoom("r1", id, &fakeChannel{}); err != nil {
			t.Fatalf("JoinRoom %s: %v", id, err)
		}
	}
	for _, id := range []string{"c", "d", "e"} {
		if _, err := r.JoinRoom("r1", id, &fakeChannel{}); !errors.Is(err, ErrRoomFull) {
			t.Fatalf("JoinRoom %s err=%v, want ErrRoomFull", id, err)
		}
	}
	if got := r.PeerCount("r1"); got != 2 {
		t.Fatalf("PeerCount=%d, want 2", got)
	}
	if got := m.Get(metrics.JoinRejectedFull); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.JoinRejectedFull, got)
	}
}

func TestJoinRoom_ConcurrentJoinsRespectCapacity(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 3})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			if _, err := r.JoinRoom("r1", id, &fakeChannel{}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 3 || r.PeerCount("r1") != 3 {
		t.Fatalf("successful joins=%d PeerCount=%d, want 3", ok, r.PeerCount("r1"))
	}
}

func TestJoinRoom_RejectsDuplicatePeerID(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 4})

	first := &fakeChannel{}
	if _, err := r.JoinRoom("r1", "a", first); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if _, err := r.JoinRoom("r1", "a", &fakeChannel{}); !errors.Is(err, ErrPeerExists) {
		t.Fatalf("err=%v, want ErrPeerExists", err)
	}
	if first.Closed() {
		t.Fatalf("original channel must stay open")
	}
	if got := r.PeerCount("r1"); got != 1 {
		t.Fatalf("PeerCount=%d, want 1", got)
	}
}

func TestJoinRoom_ReplacePolicy(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 2, DuplicatePolicy: DuplicateReplace})

	first := &fakeChannel{}
	second := &fakeChannel{}
	if _, err := r.JoinRoom("r1", "a", first); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if _, err := r.JoinRoom("r1", "b", &fakeChannel{}); err != nil {
		t.Fatalf("JoinRoom b: %v", err)
	}
	// Room is full, but replacing an existing id does not consume capacity.
	n, err := r.JoinRoom("r1", "a", second)
	if err != nil || n != 2 {
		t.Fatalf("replace: n=%d err=%v", n, err)
	}
	if !first.Closed() {
		t.Fatalf("displaced channel should be closed")
	}

	// The displaced connection's disconnect must not evict its successor.
	if r.LeaveRoomChannel("r1", "a", first) {
		t.Fatalf("stale channel removed the replacement")
	}
	if got := r.PeerCount("r1"); got != 2 {
		t.Fatalf("PeerCount=%d, want 2", got)
	}

	r.BroadcastRaw("r1", "b", []byte("hi"))
	if got := second.Sent(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("replacement received %v", got)
	}
	if got := first.Sent(); len(got) != 0 {
		t.Fatalf("displaced channel received %v", got)
	}
}

func TestJoinRoom_RejectedJoinKeepsRoom(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 2})

	r.CreateRoom("r1")
	r.JoinRoom("r1", "a", &fakeChannel{})
	r.JoinRoom("r1", "b", &fakeChannel{})
	if _, err := r.JoinRoom("r1", "c", &fakeChannel{}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if r.RoomCount() != 1 {
		t.Fatalf("RoomCount=%d, want 1", r.RoomCount())
	}
}

func TestLeaveRoom_DeletesEmptyRoom(t *testing.T) {
	pub := &recordingPublisher{}
	r, _ := newTestRegistry(t, Config{Events: pub})

	r.JoinRoom("r1", "a", &fakeChannel{})
	r.JoinRoom("r1", "b", &fakeChannel{})

	r.LeaveRoom("r1", "a")
	if _, ok := r.GetRoom("r1"); !ok {
		t.Fatalf("room deleted while still occupied")
	}
	r.LeaveRoom("r1", "b")
	if _, ok := r.GetRoom("r1"); ok {
		t.Fatalf("empty room should be deleted")
	}
	if r.RoomCount() != 0 {
		t.Fatalf("RoomCount=%d, want 0", r.RoomCount())
	}

	want := []string{
		events.RoomCreated,
		events.MemberJoined,
		events.MemberJoined,
		events.MemberLeft,
		events.MemberLeft,
		events.RoomDeleted,
	}
	got := pub.Types()
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
}

func TestLeaveRoom_UnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	r.LeaveRoom("missing", "a")
	r.JoinRoom("r1", "a", &fakeChannel{})
	r.LeaveRoom("r1", "nobody")
	if r.PeerCount("r1") != 1 {
		t.Fatalf("PeerCount=%d, want 1", r.PeerCount("r1"))
	}
}

func TestDeleteRoom(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	ch := &fakeChannel{}
	r.JoinRoom("r1", "a", ch)
	r.DeleteRoom("r1")
	r.DeleteRoom("r1")

	if _, ok := r.GetRoom("r1"); ok {
		t.Fatalf("room still present")
	}
	if ch.Closed() {
		t.Fatalf("DeleteRoom must not close peer channels")
	}
}

func TestBroadcast_ExcludesSenderAndPreservesOrder(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 3})

	a, b, c := &fakeChannel{}, &fakeChannel{}, &fakeChannel{}
	r.JoinRoom("r1", "a", a)
	r.JoinRoom("r1", "b", b)
	r.JoinRoom("r1", "c", c)

	for _, msg := range []string{"1", "2", "3"} {
		if n := r.BroadcastRaw("r1", "a", []byte(msg)); n != 2 {
			t.Fatalf("delivered=%d, want 2", n)
		}
	}

	if got := a.Sent(); len(got) != 0 {
		t.Fatalf("sender received its own messages: %v", got)
	}
	for name, ch := range map[string]*fakeChannel{"b": b, "c": c} {
		got := ch.Sent()
		if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
			t.Fatalf("%s received %v, want [1 2 3]", name, got)
		}
	}
}

func TestBroadcastToPeers_EncodesJSON(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	b := &fakeChannel{}
	r.JoinRoom("r1", "a", &fakeChannel{})
	r.JoinRoom("r1", "b", b)

	n, err := r.BroadcastToPeers("r1", "a", map[string]string{"type": "peer_left", "peerId": "a"})
	if err != nil || n != 1 {
		t.Fatalf("BroadcastToPeers n=%d err=%v", n, err)
	}
	got := b.Sent()
	if len(got) != 1 || got[0] != `{"peerId":"a","type":"peer_left"}` {
		t.Fatalf("sent=%v", got)
	}

	if _, err := r.BroadcastToPeers("r1", "a", func() {}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestBroadcast_SkipsUnwritablePeers(t *testing.T) {
	m := metrics.New()
	r, _ := newTestRegistry(t, Config{MaxPeersPerRoom: 3, Metrics: m})

	closed := &fakeChannel{closed: true}
	full := &fakeChannel{full: true}
	ok := &fakeChannel{}
	r.JoinRoom("r1", "a", &fakeChannel{})
	r.JoinRoom("r1", "closed", closed)
	r.JoinRoom("r1", "full", full)
	r.LeaveRoom("r1", "a")
	r.JoinRoom("r1", "ok", ok)

	if n := r.BroadcastRaw("r1", "nobody", []byte("x")); n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
	if got := ok.Sent(); len(got) != 1 {
		t.Fatalf("writable peer received %v", got)
	}
	if got := m.Get(metrics.SendsDropped); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.SendsDropped, got)
	}
}

func TestBroadcast_UnknownRoom(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	if n := r.BroadcastRaw("missing", "a", []byte("x")); n != 0 {
		t.Fatalf("delivered=%d, want 0", n)
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	cases := map[string]DuplicatePolicy{
		"":         DuplicateReject,
		"reject":   DuplicateReject,
		" Replace": DuplicateReplace,
	}
	for in, want := range cases {
		got, err := ParseDuplicatePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseDuplicatePolicy(%q)=%q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDuplicatePolicy("kick"); err == nil {
		t.Fatalf("expected error")
	}
}
