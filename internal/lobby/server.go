package lobby

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server tracks rooms and relays signaling between their members.
type Server struct {
	mu      sync.Mutex
	clients map[protocol.PeerID]*member
	rooms   map[string]*room

	listener net.Listener
	http     *http.Server
}

type member struct {
	id   protocol.PeerID
	out  *sender
	room string
}

type room struct {
	id      string
	name    string
	max     int
	owner   protocol.PeerID
	members []protocol.PeerID // join order; ownership passes to the oldest
}

// NewServer returns an empty lobby server.
func NewServer() *Server {
	return &Server{
		clients: make(map[protocol.PeerID]*member),
		rooms:   make(map[string]*room),
	}
}

// Handler returns the HTTP handler serving the lobby at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins listening on addr and returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start lobby server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("lobby server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Rooms returns the number of open rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{out: &sender{conn: conn}}
	s.mu.Lock()
	m.id = s.newPeerIDLocked()
	s.clients[m.id] = m
	s.mu.Unlock()

	util.LogDebug("lobby: peer %s connected from %s", m.id, r.RemoteAddr)
	defer s.disconnect(m)

	if err := m.out.send(Message{Type: MsgWelcome, Peer: m.id}); err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(m, msg)
	}
}

func (s *Server) disconnect(m *member) {
	s.mu.Lock()
	notices := s.leaveLocked(m)
	delete(s.clients, m.id)
	s.mu.Unlock()

	deliver(notices)
	m.out.close("bye")
	util.LogDebug("lobby: peer %s disconnected", m.id)
}

// newPeerIDLocked draws a random non-zero id nobody holds.
func (s *Server) newPeerIDLocked() protocol.PeerID {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		id := protocol.PeerID(binary.LittleEndian.Uint64(b[:]))
		if _, taken := s.clients[id]; id != protocol.Broadcast && !taken {
			return id
		}
	}
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type notice struct {
	to  *sender
	msg Message
}

func deliver(notices []notice) {
	for _, n := range notices {
		_ = n.to.send(n.msg)
	}
}

func (s *Server) handle(m *member, msg Message) {
	var (
		result  *Room
		err     error
		notices []notice
	)

	s.mu.Lock()
	switch msg.Type {
	case MsgCreate:
		notices = s.leaveLocked(m)
		result = s.createLocked(m, msg.Name, msg.MaxPlayers)
	case MsgJoin:
		notices = s.leaveLocked(m)
		var joined []notice
		result, joined, err = s.joinLocked(m, msg.RoomID)
		notices = append(notices, joined...)
	case MsgLeave:
		notices = s.leaveLocked(m)
	case MsgSignal:
		var n notice
		n, err = s.signalLocked(m, msg)
		if err == nil {
			notices = append(notices, n)
		}
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	s.mu.Unlock()

	deliver(notices)

	reply := Message{Type: MsgResult, Seq: msg.Seq, Room: result}
	if err != nil {
		reply.Error = codeOf(err)
		util.LogDebug("lobby: %s from %s failed: %v", msg.Type, m.id, err)
	}
	if msg.Seq != 0 {
		_ = m.out.send(reply)
	}
}

func (s *Server) createLocked(m *member, name string, maxPlayers int) *Room {
	r := &room{
		id:      uuid.NewString(),
		name:    name,
		max:     maxPlayers,
		owner:   m.id,
		members: []protocol.PeerID{m.id},
	}
	s.rooms[r.id] = r
	m.room = r.id

	util.LogInfo("lobby: %s created room %s (%q, max %d)", m.id, r.id, name, maxPlayers)
	return r.info()
}

func (s *Server) joinLocked(m *member, id string) (*Room, []notice, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	if r.max > 0 && len(r.members) >= r.max {
		return nil, nil, fmt.Errorf("%w: %s", ErrRoomFull, id)
	}

	notices := s.broadcastLocked(r, Message{Type: MsgMemberJoined, Peer: m.id})
	r.members = append(r.members, m.id)
	m.room = r.id
	return r.info(), notices, nil
}

// leaveLocked removes m from its room, handing ownership to the oldest
// remaining member. Empty rooms are closed.
func (s *Server) leaveLocked(m *member) []notice {
	r, ok := s.rooms[m.room]
	m.room = ""
	if !ok {
		return nil
	}

	r.members = slices.DeleteFunc(r.members, func(id protocol.PeerID) bool { return id == m.id })
	if len(r.members) == 0 {
		delete(s.rooms, r.id)
		util.LogInfo("lobby: room %s closed", r.id)
		return nil
	}

	notices := s.broadcastLocked(r, Message{Type: MsgMemberLeft, Peer: m.id})
	if r.owner == m.id {
		r.owner = r.members[0]
		notices = append(notices, s.broadcastLocked(r, Message{Type: MsgOwnerChanged, Peer: r.owner})...)
		util.LogInfo("lobby: room %s owner is now %s", r.id, r.owner)
	}
	return notices
}

func (s *Server) signalLocked(m *member, msg Message) (notice, error) {
	r, ok := s.rooms[m.room]
	if !ok {
		return notice{}, ErrNotInRoom
	}
	to, ok := s.clients[msg.Peer]
	if !ok || !slices.Contains(r.members, msg.Peer) {
		return notice{}, fmt.Errorf("%w: %s", ErrPeerNotFound, msg.Peer)
	}
	return notice{to.out, Message{Type: MsgSignalArrived, Peer: m.id, Signal: msg.Signal}}, nil
}

func (s *Server) broadcastLocked(r *room, msg Message) []notice {
	var notices []notice
	for _, id := range r.members {
		if c, ok := s.clients[id]; ok {
			notices = append(notices, notice{c.out, msg})
		}
	}
	return notices
}

func (r *room) info() *Room {
	return &Room{
		ID:         r.id,
		Name:       r.name,
		MaxPlayers: r.max,
		Owner:      r.owner,
		Members:    slices.Clone(r.members),
	}
}
