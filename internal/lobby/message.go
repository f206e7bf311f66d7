// Package lobby is the room service peers use to find each other: a
// WebSocket server that tracks rooms, membership and ownership and relays
// WebRTC signaling between members, plus the matching client.
package lobby

import (
	"errors"

	"github.com/1ureka/mpmesh/internal/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
	ErrNotInRoom    = errors.New("not in a room")
	ErrPeerNotFound = errors.New("peer not in room")
	ErrClosed       = errors.New("lobby connection closed")
)

// errorCodes maps wire error codes to sentinel errors.
var errorCodes = map[string]error{
	"room_not_found": ErrRoomNotFound,
	"room_full":      ErrRoomFull,
	"not_in_room":    ErrNotInRoom,
	"peer_not_found": ErrPeerNotFound,
}

func codeOf(err error) string {
	for code, e := range errorCodes {
		if errors.Is(err, e) {
			return code
		}
	}
	return "internal"
}

// MessageType identifies the kind of lobby message.
type MessageType string

const (
	// server -> client
	MsgWelcome       MessageType = "welcome"
	MsgResult        MessageType = "result"
	MsgMemberJoined  MessageType = "member_joined"
	MsgMemberLeft    MessageType = "member_left"
	MsgOwnerChanged  MessageType = "owner_changed"
	MsgSignalArrived MessageType = "signal"

	// client -> server
	MsgCreate MessageType = "create"
	MsgJoin   MessageType = "join"
	MsgLeave  MessageType = "leave"
	MsgSignal MessageType = "send_signal"
)

// SignalKind identifies a WebRTC signaling payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalBye       SignalKind = "bye"
)

// Signal is a WebRTC signaling payload relayed between two room members.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// Room describes a room as seen by a member.
type Room struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	MaxPlayers int               `json:"maxPlayers"`
	Owner      protocol.PeerID   `json:"owner"`
	Members    []protocol.PeerID `json:"members"`
}

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type MessageType `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`

	// Peer is the subject of the message: the assigned id in welcome, the
	// member in membership events, the other end of a signal.
	Peer protocol.PeerID `json:"peer,omitempty"`

	Name       string  `json:"name,omitempty"`
	MaxPlayers int     `json:"maxPlayers,omitempty"`
	RoomID     string  `json:"roomId,omitempty"`
	Room       *Room   `json:"room,omitempty"`
	Signal     *Signal `json:"signal,omitempty"`
	Error      string  `json:"error,omitempty"`
}
