package transport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/util"
)

var (
	// ErrConnectTimeout is returned when a peer link is not up in time.
	ErrConnectTimeout = errors.New("peer connect timed out")
	// ErrNoHost is returned by SendToHost before a host is known.
	ErrNoHost = errors.New("no host")
)

// Role tells which side initiated a connection.
type Role int

const (
	Outgoing Role = iota
	Incoming
)

func (r Role) String() string {
	if r == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Connection is one row of the peer table.
type Connection struct {
	Peer    protocol.PeerID
	Role    Role
	Pending bool // outgoing connect still in flight
}

// Message is one inbound datagram.
type Message struct {
	From protocol.PeerID
	Data []byte

	gen uint64
}

type queuedEvent struct {
	Event
	gen uint64
}

type completion struct {
	gen uint64
	fn  func()
}

// Options configures a Session.
type Options struct {
	InboxSize      int
	ConnectTimeout time.Duration
}

// Session wraps a Relay with the peer table, the send primitives and the
// queues that hand inbound traffic to the simulation thread.
//
// Handler methods may run on any goroutine. Every other method belongs to
// the simulation thread.
type Session struct {
	relay Relay
	sctx  *state.Context
	opts  Options

	peers   map[protocol.PeerID]*Connection
	waiters map[protocol.PeerID][]func(error) // Connect calls joined to one in flight

	inbox chan Message

	mu          sync.Mutex
	events      []queuedEvent
	completions []completion

	// gen changes on every DisconnectAll; queued items from an older
	// generation are discarded.
	gen atomic.Uint64

	parent   context.Context
	opCtx    context.Context
	opCancel context.CancelFunc

	queueFull *util.Throttle
}

// NewSession creates a Session and installs itself as relay's handler.
// Pending operations are cancelled when ctx is done.
func NewSession(ctx context.Context, relay Relay, sctx *state.Context, opts Options) *Session {
	opCtx, opCancel := context.WithCancel(ctx)
	s := &Session{
		relay:     relay,
		sctx:      sctx,
		opts:      opts,
		peers:     make(map[protocol.PeerID]*Connection),
		waiters:   make(map[protocol.PeerID][]func(error)),
		inbox:     make(chan Message, opts.InboxSize),
		parent:    ctx,
		opCtx:     opCtx,
		opCancel:  opCancel,
		queueFull: util.NewThrottle(util.DefaultThrottleInterval),
	}
	relay.SetHandler(s)
	return s
}

// Relay returns the wrapped relay.
func (s *Session) Relay() Relay { return s.relay }

// ---------------------------------------------------------------------------
// Handler (any goroutine)
// ---------------------------------------------------------------------------

// HandleMessage queues data for the simulation thread, dropping it when
// the queue is full.
func (s *Session) HandleMessage(from protocol.PeerID, data []byte) {
	select {
	case s.inbox <- Message{From: from, Data: data, gen: s.gen.Load()}:
	default:
		util.Stats.AddDropped()
		s.queueFull.Warn("inbound queue full, dropping message from %s", from)
	}
}

// HandleEvent queues a lifecycle event. Events are never dropped.
func (s *Session) HandleEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, queuedEvent{Event: ev, gen: s.gen.Load()})
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Receive paths
// ---------------------------------------------------------------------------

// DrainMessages hands at most limit queued messages to fn and returns how
// many were taken off the queue.
func (s *Session) DrainMessages(limit int, fn func(Message)) int {
	gen := s.gen.Load()
	n := 0
	for n < limit {
		select {
		case msg := <-s.inbox:
			n++
			if msg.gen != gen {
				continue
			}
			fn(msg)
		default:
			return n
		}
	}
	return n
}

// PollEvents applies queued connection events to the peer table, then
// passes every event to fn in arrival order.
func (s *Session) PollEvents(fn func(Event)) {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	gen := s.gen.Load()
	for _, ev := range events {
		if ev.gen != gen {
			continue
		}
		s.apply(ev.Event)
		if fn != nil {
			fn(ev.Event)
		}
	}
}

// apply updates the peer table. An incoming link overrides an outgoing
// record for the same peer, never the reverse.
func (s *Session) apply(ev Event) {
	switch ev.Kind {
	case PeerConnected:
		role := Outgoing
		if ev.Incoming {
			role = Incoming
		}

		c, ok := s.peers[ev.Peer]
		switch {
		case !ok:
			s.peers[ev.Peer] = &Connection{Peer: ev.Peer, Role: role}
		case role == Incoming:
			c.Role = Incoming
			c.Pending = false
		default:
			c.Pending = false
		}

	case PeerDisconnected:
		delete(s.peers, ev.Peer)
	}
}

// ---------------------------------------------------------------------------
// Send primitives
// ---------------------------------------------------------------------------

// SendToPeer sends data to one connected peer.
func (s *Session) SendToPeer(id protocol.PeerID, data []byte, d protocol.Delivery) error {
	if err := s.relay.Send(id, data, d); err != nil {
		util.LogDebug("send to %s failed: %v", id, err)
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// SendToHost sends data to the room owner. It is a no-op on the host.
func (s *Session) SendToHost(data []byte, d protocol.Delivery) error {
	if s.sctx.IsHost() {
		return nil
	}
	if s.sctx.HostID == 0 {
		return ErrNoHost
	}
	return s.SendToPeer(s.sctx.HostID, data, d)
}

// Broadcast sends data to every connected peer.
func (s *Session) Broadcast(data []byte, d protocol.Delivery) {
	s.BroadcastExcept(protocol.Broadcast, data, d)
}

// BroadcastExcept sends data to every connected peer other than except.
// Failures are logged per peer and do not stop the fan-out.
func (s *Session) BroadcastExcept(except protocol.PeerID, data []byte, d protocol.Delivery) {
	for _, id := range s.Peers() {
		if id == except {
			continue
		}
		_ = s.SendToPeer(id, data, d)
	}
}

// ---------------------------------------------------------------------------
// Peer table
// ---------------------------------------------------------------------------

// Peers returns the ids of established connections in ascending order.
func (s *Session) Peers() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(s.peers))
	for id, c := range s.peers {
		if !c.Pending {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Connections returns a copy of the peer table ordered by peer id.
func (s *Session) Connections() []Connection {
	out := make([]Connection, 0, len(s.peers))
	for _, c := range s.peers {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Connection) int { return cmp.Compare(a.Peer, b.Peer) })
	return out
}

// Connecting reports whether an outgoing connect to id is in flight.
func (s *Session) Connecting(id protocol.PeerID) bool {
	c, ok := s.peers[id]
	return ok && c.Pending
}

// Connected reports whether an established link to id exists.
func (s *Session) Connected(id protocol.PeerID) bool {
	c, ok := s.peers[id]
	return ok && !c.Pending
}
