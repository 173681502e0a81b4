package rooms

import "errors"

var (
	// ErrRoomFull is returned by JoinRoom when the room is at capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrPeerExists is returned by JoinRoom when the peer id is already
	// present in the room and the registry rejects duplicates.
	ErrPeerExists = errors.New("peer id already in room")
)
