// Package relay provides transport.Relay implementations: an in-process
// Hub for offline play and tests, and a WebRTC relay signaled through the
// lobby service.
package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/mpmesh/internal/lobby"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/transport"
	"github.com/1ureka/mpmesh/internal/util"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrRoomNotFound = lobby.ErrRoomNotFound
	ErrRoomFull     = lobby.ErrRoomFull
	ErrNotInRoom    = lobby.ErrNotInRoom
)

// connectPoll is how often a pending in-process connect re-checks whether
// the target started listening.
const connectPoll = 10 * time.Millisecond

// Hub is an in-process room service and link layer. Every Memory relay
// created from the same Hub can see the others.
type Hub struct {
	mu     sync.Mutex
	nextID protocol.PeerID
	nodes  map[protocol.PeerID]*Memory
	rooms  map[string]*hubRoom
}

type hubRoom struct {
	id      string
	name    string
	max     int
	owner   protocol.PeerID
	members []protocol.PeerID // join order; ownership passes to the oldest
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		nextID: 1000,
		nodes:  make(map[protocol.PeerID]*Memory),
		rooms:  make(map[string]*hubRoom),
	}
}

// NewPeer attaches a new relay with the next free id.
func (h *Hub) NewPeer() *Memory {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	return h.NewPeerWithID(id)
}

// NewPeerWithID attaches a new relay with a chosen id.
func (h *Hub) NewPeerWithID(id protocol.PeerID) *Memory {
	m := &Memory{
		hub:   h,
		id:    id,
		links: make(map[protocol.PeerID]bool),
	}
	h.mu.Lock()
	h.nodes[id] = m
	h.mu.Unlock()
	return m
}

// Kill drops a peer as if its process died: it leaves its room and every
// link to it closes.
func (h *Hub) Kill(id protocol.PeerID) {
	h.mu.Lock()
	m, ok := h.nodes[id]
	delete(h.nodes, id)
	h.mu.Unlock()
	if ok {
		m.LeaveRoom()
	}
}

// Memory is a transport.Relay backed by a Hub. Delivery is synchronous and
// every message is copied.
type Memory struct {
	hub *Hub
	id  protocol.PeerID

	// guarded by hub.mu
	handler   transport.Handler
	room      string
	listening bool
	links     map[protocol.PeerID]bool // peer -> incoming
}

var _ transport.Relay = (*Memory)(nil)

type notice struct {
	to transport.Handler
	ev transport.Event
}

func deliver(notices []notice) {
	for _, n := range notices {
		switch n.ev.Kind {
		case transport.PeerConnected:
			util.Stats.AddPeer()
		case transport.PeerDisconnected:
			util.Stats.RemovePeer()
		}
		if n.to != nil {
			n.to.HandleEvent(n.ev)
		}
	}
}

func (m *Memory) LocalID() protocol.PeerID { return m.id }

func (m *Memory) SetHandler(h transport.Handler) {
	m.hub.mu.Lock()
	m.handler = h
	m.hub.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (m *Memory) CreateRoom(ctx context.Context, name string, maxPlayers int) (transport.Room, error) {
	if err := ctx.Err(); err != nil {
		return transport.Room{}, err
	}
	m.LeaveRoom()

	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &hubRoom{
		id:      uuid.NewString(),
		name:    name,
		max:     maxPlayers,
		owner:   m.id,
		members: []protocol.PeerID{m.id},
	}
	h.rooms[r.id] = r
	m.room = r.id
	return r.snapshot(), nil
}

func (m *Memory) JoinRoom(ctx context.Context, roomID string) (transport.Room, error) {
	if err := ctx.Err(); err != nil {
		return transport.Room{}, err
	}
	m.LeaveRoom()

	h := m.hub
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return transport.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if r.max > 0 && len(r.members) >= r.max {
		h.mu.Unlock()
		return transport.Room{}, fmt.Errorf("%w: %s", ErrRoomFull, roomID)
	}

	var notices []notice
	for _, id := range r.members {
		notices = append(notices, notice{h.nodes[id].handlerLocked(), transport.Event{Kind: transport.MemberJoined, Peer: m.id}})
	}
	r.members = append(r.members, m.id)
	m.room = r.id
	room := r.snapshot()
	h.mu.Unlock()

	deliver(notices)
	return room, nil
}

func (m *Memory) LeaveRoom() {
	h := m.hub
	h.mu.Lock()

	notices := m.closeLinksLocked(func(bool) bool { return true })

	r, ok := h.rooms[m.room]
	m.room = ""
	m.listening = false
	if ok {
		r.members = slices.DeleteFunc(r.members, func(id protocol.PeerID) bool { return id == m.id })
		for _, id := range r.members {
			if n, ok := h.nodes[id]; ok {
				notices = append(notices, notice{n.handler, transport.Event{Kind: transport.MemberLeft, Peer: m.id}})
			}
		}

		switch {
		case len(r.members) == 0:
			delete(h.rooms, r.id)
		case r.owner == m.id:
			r.owner = r.members[0]
			for _, id := range r.members {
				if n, ok := h.nodes[id]; ok {
					notices = append(notices, notice{n.handler, transport.Event{Kind: transport.OwnerChanged, Peer: r.owner}})
				}
			}
		}
	}
	h.mu.Unlock()

	deliver(notices)
}

func (r *hubRoom) snapshot() transport.Room {
	return transport.Room{ID: r.id, Owner: r.owner, Members: slices.Clone(r.members)}
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

func (m *Memory) Listen() error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if m.room == "" {
		return ErrNotInRoom
	}
	m.listening = true
	return nil
}

func (m *Memory) StopListening() {
	h := m.hub
	h.mu.Lock()
	m.listening = false
	notices := m.closeLinksLocked(func(incoming bool) bool { return incoming })
	h.mu.Unlock()

	deliver(notices)
}

// ConnectPeer links to id once id is listening in the same room, or fails
// when ctx is done.
func (m *Memory) ConnectPeer(ctx context.Context, id protocol.PeerID) error {
	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()

	for {
		ok, notices, err := m.tryConnect(id)
		if err != nil {
			return err
		}
		if ok {
			deliver(notices)
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Memory) tryConnect(id protocol.PeerID) (bool, []notice, error) {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.room == "" {
		return false, nil, ErrNotInRoom
	}
	if _, ok := m.links[id]; ok {
		return true, nil, nil
	}
	target, ok := h.nodes[id]
	if !ok || target.room != m.room || !target.listening {
		return false, nil, nil
	}

	m.links[id] = false
	target.links[m.id] = true
	return true, []notice{
		{m.handler, transport.Event{Kind: transport.PeerConnected, Peer: id}},
		{target.handler, transport.Event{Kind: transport.PeerConnected, Peer: m.id, Incoming: true}},
	}, nil
}

func (m *Memory) ClosePeer(id protocol.PeerID) {
	h := m.hub
	h.mu.Lock()
	notices := m.closeLinksLocked(func(bool) bool { return false }, id)
	h.mu.Unlock()

	deliver(notices)
}

// closeLinksLocked closes every link for which match returns true plus the
// links to the listed ids, notifying both ends.
func (m *Memory) closeLinksLocked(match func(incoming bool) bool, ids ...protocol.PeerID) []notice {
	var notices []notice
	for id, incoming := range m.links {
		if !match(incoming) && !slices.Contains(ids, id) {
			continue
		}
		delete(m.links, id)
		notices = append(notices, notice{m.handler, transport.Event{Kind: transport.PeerDisconnected, Peer: id}})
		if other, ok := m.hub.nodes[id]; ok {
			if _, linked := other.links[m.id]; linked {
				delete(other.links, m.id)
				notices = append(notices, notice{other.handler, transport.Event{Kind: transport.PeerDisconnected, Peer: m.id}})
			}
		}
	}
	return notices
}

func (m *Memory) handlerLocked() transport.Handler {
	if m == nil {
		return nil
	}
	return m.handler
}

// Send copies data to the peer's handler.
func (m *Memory) Send(to protocol.PeerID, data []byte, _ protocol.Delivery) error {
	h := m.hub
	h.mu.Lock()
	_, linked := m.links[to]
	handler := h.nodes[to].handlerLocked()
	h.mu.Unlock()

	if !linked {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	util.Stats.AddSent(len(data))
	if handler != nil {
		util.Stats.AddRecv(len(data))
		handler.HandleMessage(m.id, slices.Clone(data))
	}
	return nil
}
