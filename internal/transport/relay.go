// Package transport owns the local view of the peer mesh: which peers are
// connected and in which direction, how bytes are sent to them, and how
// inbound traffic and lifecycle events reach the simulation thread.
//
// The actual wire (WebRTC, an in-process hub, ...) sits behind Relay.
package transport

import (
	"context"
	"fmt"

	"github.com/1ureka/mpmesh/internal/protocol"
)

// Room describes a room the local peer created or joined.
type Room struct {
	ID      string
	Owner   protocol.PeerID
	Members []protocol.PeerID
}

// EventKind classifies a relay lifecycle event.
type EventKind int

const (
	PeerConnected    EventKind = iota // a direct link to Peer is up
	PeerDisconnected                  // the link to Peer is gone
	MemberJoined                      // Peer entered the room
	MemberLeft                        // Peer left the room
	OwnerChanged                      // Peer now owns the room
)

func (k EventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case MemberJoined:
		return "member-joined"
	case MemberLeft:
		return "member-left"
	case OwnerChanged:
		return "owner-changed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a connection or room membership change reported by a Relay.
type Event struct {
	Kind     EventKind
	Peer     protocol.PeerID
	Incoming bool // PeerConnected only: the remote side initiated the link
}

// Handler receives relay callbacks. Implementations must be safe to call
// from any goroutine and must not block.
type Handler interface {
	HandleEvent(ev Event)
	HandleMessage(from protocol.PeerID, data []byte)
}

// Relay is the external room service plus peer link layer.
//
// Send must not retain data after it returns. Messages passed to
// Handler.HandleMessage are owned by the handler.
type Relay interface {
	LocalID() protocol.PeerID
	SetHandler(h Handler)

	CreateRoom(ctx context.Context, name string, maxPlayers int) (Room, error)
	JoinRoom(ctx context.Context, roomID string) (Room, error)
	LeaveRoom()

	// Listen accepts incoming peer links until StopListening, which also
	// closes every incoming link.
	Listen() error
	StopListening()

	ConnectPeer(ctx context.Context, id protocol.PeerID) error
	ClosePeer(id protocol.PeerID)
	Send(to protocol.PeerID, data []byte, d protocol.Delivery) error
}
