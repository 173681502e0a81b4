package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeJoinRoom     MessageType = "join_room"
	MessageTypeRoomJoined   MessageType = "room_joined"
	MessageTypePeerJoined   MessageType = "peer_joined"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice_candidate"
	MessageTypePeerLeft     MessageType = "peer_left"
	MessageTypeError        MessageType = "error"
)

// Error strings sent to clients in error envelopes.
const (
	errTextInvalidFormat  = "Invalid message format"
	errTextRoomFull       = "Room is full"
	errTextPeerExists     = "Peer ID already in room"
	errTextMissingIDs     = "roomId and peerId are required"
	errTextAlreadyJoined  = "already joined a room"
	errTextSenderMismatch = "sender does not match joined peer"
	errTextRateLimited    = "rate limit exceeded"
	closeReasonShutdown   = "server shutting down"
)

var (
	errMissingType    = errors.New("message missing type")
	errMissingPayload = errors.New("message missing payload")
)

// Envelope is the union of every signaling message's fields. Type selects
// which of the optional fields are meaningful.
//
// RoomID is always encoded (as "" when unknown) so error envelopes carry it.
type Envelope struct {
	Type      MessageType                `json:"type"`
	RoomID    string                     `json:"roomId"`
	PeerID    string                     `json:"peerId,omitempty"`
	From      string                     `json:"from,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// ParseEnvelope decodes a client frame.
//
// Unknown fields are tolerated. A missing or non-string type, wrongly typed
// fields, or a relay message without its payload are errors. Unknown message
// types decode successfully; the caller decides what to do with them.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, errMissingType
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case MessageTypeOffer:
		if e.Offer == nil {
			return fmt.Errorf("%w: offer", errMissingPayload)
		}
	case MessageTypeAnswer:
		if e.Answer == nil {
			return fmt.Errorf("%w: answer", errMissingPayload)
		}
	case MessageTypeICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: candidate", errMissingPayload)
		}
	}
	return nil
}

func isRelayType(t MessageType) bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	default:
		return false
	}
}

func errorEnvelope(roomID, text string) Envelope {
	return Envelope{Type: MessageTypeError, RoomID: roomID, Error: text}
}
