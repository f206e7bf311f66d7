package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/mpmesh/internal/lobby"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/transport"
	"github.com/1ureka/mpmesh/internal/util"
)

const leaveTimeout = 2 * time.Second

// RTC is a transport.Relay whose rooms live on a lobby server and whose
// peer links are WebRTC PeerConnections signaled through that lobby.
type RTC struct {
	client      *lobby.Client
	stunServers []string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handler   transport.Handler
	room      string
	listening bool
	links     map[protocol.PeerID]*link
}

var _ transport.Relay = (*RTC)(nil)

// NewRTC returns a relay using client for rooms and signaling. The relay
// takes over the client's message handler.
func NewRTC(client *lobby.Client, stunServers []string) *RTC {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RTC{
		client:      client,
		stunServers: stunServers,
		ctx:         ctx,
		cancel:      cancel,
		links:       make(map[protocol.PeerID]*link),
	}
	client.SetHandler(r.handleLobby)
	return r
}

func (r *RTC) LocalID() protocol.PeerID { return r.client.ID() }

func (r *RTC) SetHandler(h transport.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Close leaves the room and disconnects from the lobby.
func (r *RTC) Close() {
	r.LeaveRoom()
	r.cancel()
	r.client.Close()
}

func (r *RTC) emit(ev transport.Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (r *RTC) CreateRoom(ctx context.Context, name string, maxPlayers int) (transport.Room, error) {
	r.LeaveRoom()
	room, err := r.client.Create(ctx, name, maxPlayers)
	if err != nil {
		return transport.Room{}, err
	}
	return r.enter(room), nil
}

func (r *RTC) JoinRoom(ctx context.Context, roomID string) (transport.Room, error) {
	r.LeaveRoom()
	room, err := r.client.Join(ctx, roomID)
	if err != nil {
		return transport.Room{}, err
	}
	return r.enter(room), nil
}

func (r *RTC) enter(room lobby.Room) transport.Room {
	r.mu.Lock()
	r.room = room.ID
	r.mu.Unlock()

	util.LogDebug("entered room %s (owner %s, %d members)", room.ID, room.Owner, len(room.Members))
	return transport.Room{ID: room.ID, Owner: room.Owner, Members: room.Members}
}

func (r *RTC) LeaveRoom() {
	r.mu.Lock()
	inRoom := r.room != ""
	r.room = ""
	r.listening = false
	links := r.takeLinksLocked(func(*link) bool { return true })
	r.mu.Unlock()

	r.closeLinks(links)
	if !inRoom {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, leaveTimeout)
	defer cancel()
	if err := r.client.Leave(ctx); err != nil {
		util.LogWarning("failed to leave room: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

func (r *RTC) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == "" {
		return ErrNotInRoom
	}
	r.listening = true
	return nil
}

func (r *RTC) StopListening() {
	r.mu.Lock()
	r.listening = false
	links := r.takeLinksLocked(func(l *link) bool { return l.incoming })
	r.mu.Unlock()

	r.closeLinks(links)
}

// ConnectPeer offers a link to id and waits until both channels are open
// or ctx is done.
func (r *RTC) ConnectPeer(ctx context.Context, id protocol.PeerID) error {
	r.mu.Lock()
	if r.room == "" {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	l, ok := r.links[id]
	r.mu.Unlock()

	if !ok {
		var err error
		if l, err = r.open(id, false); err != nil {
			return err
		}
		sdp, err := l.offer()
		if err != nil {
			r.drop(l)
			return fmt.Errorf("failed to create offer for %s: %w", id, err)
		}
		if err := r.client.Signal(id, lobby.Signal{Kind: lobby.SignalOffer, SDP: sdp}); err != nil {
			r.drop(l)
			return fmt.Errorf("failed to signal %s: %w", id, err)
		}
	}

	select {
	case <-l.Ready():
		return nil
	case <-l.Done():
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RTC) ClosePeer(id protocol.PeerID) {
	r.mu.Lock()
	links := r.takeLinksLocked(func(l *link) bool { return l.peer == id })
	r.mu.Unlock()

	r.closeLinks(links)
}

// Send copies data onto the link to the peer.
func (r *RTC) Send(to protocol.PeerID, data []byte, d protocol.Delivery) error {
	r.mu.Lock()
	l, ok := r.links[to]
	r.mu.Unlock()

	if !ok || !l.isReady() {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	return l.send(slices.Clone(data), d)
}

// open creates a link to id, registers it and starts watching it.
func (r *RTC) open(id protocol.PeerID, incoming bool) (*link, error) {
	l, err := newLink(r.ctx, id, incoming, r.stunServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create link to %s: %w", id, err)
	}

	l.onCandidate(func(c string) {
		if err := r.client.Signal(id, lobby.Signal{Kind: lobby.SignalCandidate, Candidate: c}); err != nil {
			util.LogDebug("failed to send candidate to %s: %v", id, err)
		}
	})
	l.onMessage(func(data []byte) {
		r.mu.Lock()
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h.HandleMessage(id, data)
		}
	})

	r.mu.Lock()
	old := r.links[id]
	r.links[id] = l
	r.mu.Unlock()
	if old != nil {
		r.drop(old)
	}

	go r.watch(l)
	return l, nil
}

// watch reports the link coming up and going down.
func (r *RTC) watch(l *link) {
	select {
	case <-l.Ready():
		util.Stats.AddPeer()
		r.emit(transport.Event{Kind: transport.PeerConnected, Peer: l.peer, Incoming: l.incoming})
	case <-l.Done():
		r.drop(l)
		return
	}

	<-l.Done()
	r.drop(l)
}

// drop unregisters l, closes it and reports it down if it was ever up.
func (r *RTC) drop(l *link) {
	r.mu.Lock()
	if r.links[l.peer] == l {
		delete(r.links, l.peer)
	}
	r.mu.Unlock()

	_ = l.close()
	if l.isReady() {
		l.down.Do(func() {
			util.Stats.RemovePeer()
			r.emit(transport.Event{Kind: transport.PeerDisconnected, Peer: l.peer})
		})
	}
}

func (r *RTC) takeLinksLocked(match func(*link) bool) []*link {
	var out []*link
	for id, l := range r.links {
		if match(l) {
			delete(r.links, id)
			out = append(out, l)
		}
	}
	return out
}

// closeLinks tells each remote end and closes the links. Each is reported
// down before this returns.
func (r *RTC) closeLinks(links []*link) {
	for _, l := range links {
		_ = r.client.Signal(l.peer, lobby.Signal{Kind: lobby.SignalBye})
		r.drop(l)
	}
}

// ---------------------------------------------------------------------------
// Lobby
// ---------------------------------------------------------------------------

func (r *RTC) handleLobby(msg lobby.Message) {
	switch msg.Type {
	case lobby.MsgMemberJoined:
		r.emit(transport.Event{Kind: transport.MemberJoined, Peer: msg.Peer})
	case lobby.MsgMemberLeft:
		r.ClosePeer(msg.Peer)
		r.emit(transport.Event{Kind: transport.MemberLeft, Peer: msg.Peer})
	case lobby.MsgOwnerChanged:
		r.emit(transport.Event{Kind: transport.OwnerChanged, Peer: msg.Peer})
	case lobby.MsgSignalArrived:
		if msg.Signal != nil {
			r.handleSignal(msg.Peer, *msg.Signal)
		}
	}
}

func (r *RTC) handleSignal(from protocol.PeerID, sig lobby.Signal) {
	switch sig.Kind {
	case lobby.SignalOffer:
		r.accept(from, sig.SDP)

	case lobby.SignalAnswer:
		if l := r.link(from); l != nil {
			if err := l.accept(sig.SDP); err != nil {
				util.LogWarning("bad answer from %s: %v", from, err)
				r.drop(l)
			}
		}

	case lobby.SignalCandidate:
		if l := r.link(from); l != nil {
			if err := l.addCandidate(sig.Candidate); err != nil {
				util.LogDebug("bad candidate from %s: %v", from, err)
			}
		}

	case lobby.SignalBye:
		if l := r.link(from); l != nil {
			r.drop(l)
		}
	}
}

// accept answers an offer while listening and refuses it otherwise.
func (r *RTC) accept(from protocol.PeerID, offer string) {
	r.mu.Lock()
	listening := r.listening
	r.mu.Unlock()

	if !listening {
		util.LogDebug("refusing link from %s: not listening", from)
		_ = r.client.Signal(from, lobby.Signal{Kind: lobby.SignalBye})
		return
	}

	l, err := r.open(from, true)
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	sdp, err := l.answer(offer)
	if err != nil {
		util.LogWarning("bad offer from %s: %v", from, err)
		r.drop(l)
		return
	}
	if err := r.client.Signal(from, lobby.Signal{Kind: lobby.SignalAnswer, SDP: sdp}); err != nil {
		r.drop(l)
	}
}

func (r *RTC) link(id protocol.PeerID) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id]
}
