package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

const (
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultMaxRateViolations = 10
	DefaultSendQueue         = 256
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Rooms   *rooms.Registry
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CheckOrigin validates the Origin header of WebSocket upgrades. Origin
	// checks are normally enforced by the outer httpserver middleware; when
	// nil, every origin is accepted here.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64
	// MessagesPerSecond is the per-connection inbound rate (burst of the same
	// size). Negative disables limiting.
	MessagesPerSecond int
	// MaxRateViolations is the number of consecutive over-limit frames after
	// which the connection is closed.
	MaxRateViolations int
	// SendQueue bounds each connection's outbound queue, in frames.
	SendQueue int

	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Clock drives the per-connection rate limiters.
	Clock ratelimit.Clock
}

// Server implements the signaling WebSocket endpoint.
//
// Endpoints:
//   - GET /ws : signaling WebSocket
//   - GET /   : alias of /ws
type Server struct {
	rooms   *rooms.Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	maxMessageBytes   int64
	messagesPerSecond int
	maxRateViolations int
	sendQueue         int
	idleTimeout       time.Duration
	pingInterval      time.Duration

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*peerConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	s := &Server{
		rooms:   cfg.Rooms,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,

		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		maxRateViolations: cfg.MaxRateViolations,
		sendQueue:         cfg.SendQueue,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,

		conns: make(map[*peerConn]struct{}),
	}
	if s.rooms == nil {
		s.rooms = rooms.New(rooms.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = DefaultMaxMessageBytes
	}
	if s.messagesPerSecond == 0 {
		s.messagesPerSecond = DefaultMessagesPerSecond
	}
	if s.maxRateViolations == 0 {
		s.maxRateViolations = DefaultMaxRateViolations
	}
	if s.sendQueue <= 0 {
		s.sendQueue = DefaultSendQueue
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	s.metrics.SetGauge(metrics.GaugeConnections, func() float64 { return float64(s.ConnectionCount()) })
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Rooms returns the registry the server routes through.
func (s *Server) Rooms() *rooms.Registry { return s.rooms }

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every tracked connection and rejects new upgrades.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, closeReasonShutdown)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := newPeerConn(s, ws, uuid.NewString(), r.RemoteAddr)
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, closeReasonShutdown)
		c.writePump()
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	c.log.Info("connection opened")

	go c.writePump()
	c.readPump()
	c.disconnect()

	s.untrack(c)
	s.metrics.Inc(metrics.ConnectionsClosed)
	c.log.Info("connection closed")
}

func (s *Server) track(c *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *peerConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
