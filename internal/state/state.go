// Package state holds the session context shared by the transport, router
// and session machine. All access happens on the simulation thread.
package state

import (
	"errors"
	"fmt"

	"github.com/1ureka/mpmesh/internal/protocol"
)

// ErrInvalidTransition is returned when a phase change is not allowed.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase is the lifecycle stage of the local session.
type Phase int

const (
	Disconnected Phase = iota // no room, no peers
	AwaitingInit              // joined a room, waiting for the host's world data
	Active                    // world loaded, exchanging snapshots
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case AwaitingInit:
		return "awaiting-init"
	case Active:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// allowed lists the legal edges. Any phase may return to Disconnected.
var allowed = map[Phase][]Phase{
	Disconnected: {AwaitingInit, Active},
	AwaitingInit: {Active},
}

// Context is the explicit session state passed to every component.
type Context struct {
	MyID    protocol.PeerID
	HostID  protocol.PeerID
	LobbyID string
	Seed    int32

	phase Phase
}

// New returns a disconnected context for the given local peer.
func New(me protocol.PeerID) *Context {
	return &Context{MyID: me}
}

// IsHost reports whether the local peer owns the room.
func (c *Context) IsHost() bool {
	return c.phase != Disconnected && c.MyID != 0 && c.HostID == c.MyID
}

// Phase returns the current phase.
func (c *Context) Phase() Phase { return c.phase }

// Initialized reports whether the world has been loaded.
func (c *Context) Initialized() bool { return c.phase == Active }

// Transition moves to phase to, rejecting edges the machine does not allow.
func (c *Context) Transition(to Phase) error {
	if to == Disconnected {
		c.Reset()
		return nil
	}
	for _, p := range allowed[c.phase] {
		if p == to {
			c.phase = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.phase, to)
}

// Reset clears all room state and returns to Disconnected.
func (c *Context) Reset() {
	c.HostID = 0
	c.LobbyID = ""
	c.Seed = 0
	c.phase = Disconnected
}
