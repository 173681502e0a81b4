package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

const wsWriteWait = 1 * time.Second

// peerConn is one signaling WebSocket connection.
//
// The read pump owns the association fields (roomID, peerID, joined). The
// write pump owns every data write to the socket. Send and Close implement
// rooms.Channel and may be called from any goroutine.
type peerConn struct {
	srv     *Server
	ws      *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.ConnLimiter

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string

	roomID string
	peerID string
	joined bool
}

var _ rooms.Channel = (*peerConn)(nil)

func newPeerConn(s *Server, ws *websocket.Conn, id, remoteAddr string) *peerConn {
	return &peerConn{
		srv:     s,
		ws:      ws,
		log:     s.log.With("conn_id", id, "remote_addr", remoteAddr),
		limiter: ratelimit.NewConnLimiter(s.clock, s.messagesPerSecond, s.maxRateViolations),
		send:    make(chan []byte, s.sendQueue),
	}
}

// Send enqueues a frame without blocking. It returns false if the connection
// is closed or its queue is full.
func (c *peerConn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops accepting frames. Queued frames are flushed before the close
// frame is written.
func (c *peerConn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *peerConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *peerConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *peerConn) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, c.closeFrame())
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.log.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (c *peerConn) readPump() {
	idle := c.srv.idleTimeout
	c.ws.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so bytes already received are consumed and
		// the client reliably observes the close code.
		if !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			if c.limiter.Exceeded() {
				c.srv.metrics.Inc(metrics.RateLimitClosed)
				c.log.Warn("closing connection: rate limit exceeded", "room_id", c.roomID, "peer_id", c.peerID)
				c.closeWith(websocket.ClosePolicyViolation, errTextRateLimited)
				return
			}
			c.sendMessage(errorEnvelope("", errTextRateLimited))
			continue
		}

		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.MalformedMessages)
			c.log.Debug("non-text frame", "frame_type", msgType)
			c.sendMessage(errorEnvelope("", errTextInvalidFormat))
			continue
		}
		c.handle(data)
	}
}

func (c *peerConn) handle(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		c.srv.metrics.Inc(metrics.MalformedMessages)
		c.log.Debug("malformed message", "err", err)
		c.sendMessage(errorEnvelope("", errTextInvalidFormat))
		return
	}

	switch {
	case env.Type == MessageTypeJoinRoom:
		c.handleJoin(env)
	case isRelayType(env.Type):
		c.handleRelay(env, data)
	default:
		c.srv.metrics.Inc(metrics.UnknownMessages)
		c.log.Info("ignoring message with unknown type", "type", string(env.Type))
	}
}

func (c *peerConn) handleJoin(env Envelope) {
	if c.joined {
		c.sendMessage(errorEnvelope(env.RoomID, errTextAlreadyJoined))
		return
	}
	if env.RoomID == "" || env.PeerID == "" {
		c.sendMessage(errorEnvelope(env.RoomID, errTextMissingIDs))
		return
	}

	n, err := c.srv.rooms.JoinRoom(env.RoomID, env.PeerID, c)
	switch {
	case errors.Is(err, rooms.ErrRoomFull):
		c.sendMessage(errorEnvelope(env.RoomID, errTextRoomFull))
		return
	case errors.Is(err, rooms.ErrPeerExists):
		c.sendMessage(errorEnvelope(env.RoomID, errTextPeerExists))
		return
	case err != nil:
		c.log.Error("join failed", "room_id", env.RoomID, "peer_id", env.PeerID, "err", err)
		return
	}

	c.roomID = env.RoomID
	c.peerID = env.PeerID
	c.joined = true

	c.sendMessage(Envelope{Type: MessageTypeRoomJoined, RoomID: c.roomID, PeerID: c.peerID})
	if n > 1 {
		c.broadcast(Envelope{Type: MessageTypePeerJoined, RoomID: c.roomID, PeerID: c.peerID})
	}
}

// handleRelay forwards an offer, answer or candidate frame verbatim to the
// other occupants of the connection's room.
func (c *peerConn) handleRelay(env Envelope, data []byte) {
	if !c.joined {
		c.srv.metrics.Inc(metrics.UnjoinedMessages)
		c.log.Debug("dropping message before join", "type", string(env.Type))
		return
	}
	if env.From != c.peerID || env.RoomID != c.roomID {
		c.srv.metrics.Inc(metrics.SenderMismatch)
		c.log.Warn("sender mismatch", "room_id", c.roomID, "peer_id", c.peerID, "type", string(env.Type), "msg_room_id", env.RoomID, "msg_from", env.From)
		c.sendMessage(errorEnvelope(env.RoomID, errTextSenderMismatch))
		return
	}
	// A connection displaced by a duplicate join keeps reading until its
	// socket closes; it no longer speaks for the peer id.
	if c.isClosed() {
		return
	}

	n := c.srv.rooms.BroadcastRaw(c.roomID, c.peerID, data)
	c.srv.metrics.Inc(metrics.MessagesRelayed)
	c.log.Debug("relayed message", "room_id", c.roomID, "peer_id", c.peerID, "type", string(env.Type), "recipients", n)
}

// disconnect removes the connection from its room, notifies the remaining
// occupants, and closes the outbound queue.
func (c *peerConn) disconnect() {
	if c.joined && c.srv.rooms.LeaveRoomChannel(c.roomID, c.peerID, c) {
		c.broadcast(Envelope{Type: MessageTypePeerLeft, RoomID: c.roomID, PeerID: c.peerID})
	}
	c.Close()
}

func (c *peerConn) broadcast(env Envelope) {
	if _, err := c.srv.rooms.BroadcastToPeers(c.roomID, c.peerID, env); err != nil {
		c.log.Error("broadcast failed", "room_id", c.roomID, "type", string(env.Type), "err", err)
	}
}

func (c *peerConn) sendMessage(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("encode message", "type", string(env.Type), "err", err)
		return
	}
	if !c.Send(data) {
		c.srv.metrics.Inc(metrics.SendsDropped)
	}
}
