// Package session drives a peer through hosting, joining, the world-init
// handshake, host migration and teardown. Everything here runs on the
// simulation thread, one Tick per frame.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/config"
	"github.com/1ureka/mpmesh/internal/motion"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/remote"
	"github.com/1ureka/mpmesh/internal/router"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/transport"
	"github.com/1ureka/mpmesh/internal/util"
)

var (
	// ErrHandshakeStalled is logged while a client keeps asking a host for
	// world data that never arrives.
	ErrHandshakeStalled = errors.New("world init handshake stalled")
	// ErrNotOnline is returned by operations that need a lobby.
	ErrNotOnline = errors.New("not in a lobby")
	// ErrBusy is returned while a host or join is already in progress or
	// the peer is already in a lobby.
	ErrBusy = errors.New("already hosting or joining a lobby")
)

// stallAfter is the number of unanswered WorldInitRequests after which the
// handshake is reported as stalled.
const stallAfter = 5

// Game is the simulation the session is attached to.
type Game interface {
	// WorldSeed returns the seed of the currently loaded world.
	WorldSeed() int32
	// LoadWorld regenerates the world from seed.
	LoadWorld(seed int32)
	// LocalSnapshot returns the local player's pose. Peer, Timestamp and
	// Teleport are filled in by the session.
	LocalSnapshot() protocol.Snapshot
	WorldState() protocol.WorldState
	ApplyWorldState(ws protocol.WorldState)
	Teleport(pos mgl32.Vec3)
	ApplyDamage(amount float32, kind string)
	ApplyForce(v mgl32.Vec3, source string)
	ShowMessage(from protocol.PeerID, text string)
}

// Machine is the session state machine of one peer.
type Machine struct {
	cfg  config.Config
	game Game

	sctx    *state.Context
	tr      *transport.Session
	rt      *router.Router
	sync    *motion.Synchronizer
	remotes *remote.Manager

	clock        time.Duration
	busy         bool // a host or join is in flight
	migrated     bool // became host by ownership change
	teleportLeft time.Duration

	handshake      *util.TickTimer
	handshakeTries int
	reconnect      *util.TickTimer
	snapshot       *util.TickTimer
	worldSync      *util.TickTimer

	unknownLog *util.Throttle
	stallLog   *util.Throttle
	linkLog    *util.Throttle
}

// New wires a Machine on top of relay. factory builds the visuals of remote
// entities and may be nil.
func New(ctx context.Context, cfg config.Config, relay transport.Relay, game Game, factory remote.VisualFactory) *Machine {
	sctx := state.New(relay.LocalID())
	tr := transport.NewSession(ctx, relay, sctx, transport.Options{
		InboxSize:      cfg.Network.InboxSize,
		ConnectTimeout: cfg.Network.ConnectTimeout,
	})
	sync := motion.New(motion.Options{
		WarmupTeleport: cfg.Sync.WarmupTeleport,
		RejectStale:    cfg.Sync.RejectStale,
	})

	m := &Machine{
		cfg:        cfg,
		game:       game,
		sctx:       sctx,
		tr:         tr,
		rt:         router.New(sctx, tr),
		sync:       sync,
		handshake:  util.NewTickTimer(cfg.Session.HandshakeInterval),
		reconnect:  util.NewTickTimer(cfg.Session.HandshakeInterval),
		snapshot:   util.NewRateTimer(cfg.Session.SnapshotRate),
		worldSync:  util.NewTickTimer(cfg.Session.WorldStateInterval),
		unknownLog: util.NewThrottle(util.DefaultThrottleInterval),
		stallLog:   util.NewThrottle(util.DefaultThrottleInterval),
		linkLog:    util.NewThrottle(util.DefaultThrottleInterval),
	}
	m.remotes = remote.NewManager(sync, factory, m.send, cfg.Damage.Dealt)
	m.registerHandlers()
	return m
}

// Context returns the session context.
func (m *Machine) Context() *state.Context { return m.sctx }

// Remotes returns the remote entity manager.
func (m *Machine) Remotes() *remote.Manager { return m.remotes }

// Transport returns the transport session.
func (m *Machine) Transport() *transport.Session { return m.tr }

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

// Host creates a room and starts hosting it with the current world. done
// receives the outcome on the simulation thread.
func (m *Machine) Host(name string, maxPlayers int, done func(error)) error {
	if m.busy || m.sctx.Phase() != state.Disconnected {
		return ErrBusy
	}
	m.busy = true

	relay := m.tr.Relay()
	var room transport.Room
	m.tr.Go(func(ctx context.Context) error {
		var err error
		room, err = relay.CreateRoom(ctx, name, maxPlayers)
		return err
	}, func(err error) {
		m.busy = false
		if err == nil {
			err = relay.Listen()
		}
		if err != nil {
			util.LogError("failed to host %q: %v", name, err)
			m.teardown()
			finish(done, err)
			return
		}

		m.sctx.LobbyID = room.ID
		m.sctx.HostID = m.sctx.MyID
		m.sctx.Seed = m.game.WorldSeed()
		if err := m.sctx.Transition(state.Active); err != nil {
			finish(done, err)
			return
		}
		m.startActive()

		util.LogSuccess("hosting lobby %s (seed %d, max %d players)", room.ID, m.sctx.Seed, maxPlayers)
		finish(done, nil)
	})
	return nil
}

// Join enters an existing room and starts the world-init handshake with
// its owner. done receives the outcome of the join itself; the handshake
// finishes later.
func (m *Machine) Join(roomID string, done func(error)) error {
	if m.busy || m.sctx.Phase() != state.Disconnected {
		return ErrBusy
	}
	m.busy = true

	relay := m.tr.Relay()
	var room transport.Room
	m.tr.Go(func(ctx context.Context) error {
		var err error
		room, err = relay.JoinRoom(ctx, roomID)
		return err
	}, func(err error) {
		m.busy = false
		if err != nil {
			util.LogError("failed to join %s: %v", roomID, err)
			m.teardown()
			finish(done, err)
			return
		}

		m.sctx.LobbyID = room.ID
		m.sctx.HostID = room.Owner
		if err := m.sctx.Transition(state.AwaitingInit); err != nil {
			finish(done, err)
			return
		}
		m.handshake.Reset()
		m.handshakeTries = 0
		m.reconnect.Reset()

		util.LogInfo("joined lobby %s, waiting for world data from %s", room.ID, room.Owner)
		finish(done, nil)
	})
	return nil
}

// Leave tears the session down. Leaving while offline does nothing.
func (m *Machine) Leave() {
	if !m.busy && m.sctx.Phase() == state.Disconnected {
		return
	}
	lobby := m.sctx.LobbyID
	m.teardown()
	util.LogInfo("left lobby %s", lobby)
}

// Close leaves the lobby and cancels every pending operation for good.
func (m *Machine) Close() {
	m.Leave()
	m.tr.Close()
}

// Talk broadcasts a chat line. It also becomes the sender's name tag on
// every other peer.
func (m *Machine) Talk(text string) error {
	if m.sctx.Phase() != state.Active {
		return ErrNotOnline
	}
	m.send(protocol.Broadcast, protocol.TypeBroadcastMessage, &protocol.Chat{Text: text})
	return nil
}

// FindPeer resolves a decimal id suffix to one remote peer.
func (m *Machine) FindPeer(suffix uint64) (protocol.PeerID, error) {
	if m.sctx.Phase() != state.Active {
		return 0, ErrNotOnline
	}
	return m.remotes.FindBySuffix(suffix)
}

// TeleportTo asks peer for its position; the answer moves the local
// player there.
func (m *Machine) TeleportTo(peer protocol.PeerID) error {
	if m.sctx.Phase() != state.Active {
		return ErrNotOnline
	}
	if _, ok := m.remotes.Get(peer); !ok {
		return fmt.Errorf("%w: %s", motion.ErrUnknownPeer, peer)
	}
	m.send(peer, protocol.TypeTeleportRequest, nil)
	return nil
}

// LobbyID returns the id of the current room.
func (m *Machine) LobbyID() (string, error) {
	if m.sctx.Phase() == state.Disconnected {
		return "", ErrNotOnline
	}
	return m.sctx.LobbyID, nil
}

// Connections returns the transport's peer table.
func (m *Machine) Connections() []transport.Connection {
	return m.tr.Connections()
}

// Peers returns every remote peer with a tracked entity.
func (m *Machine) Peers() []protocol.PeerID {
	return m.remotes.IDs()
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Tick advances the session by one frame of dt.
func (m *Machine) Tick(dt time.Duration) {
	m.clock += dt
	if m.teleportLeft > 0 {
		m.teleportLeft -= dt
	}

	m.tr.PollCompletions()
	m.tr.PollEvents(m.handleEvent)
	m.rt.Pump(m.tr, m.cfg.Session.MaxMessagesPerFrame)

	switch m.sctx.Phase() {
	case state.AwaitingInit:
		m.retryHandshake(dt)
	case state.Active:
		if !m.sctx.IsHost() {
			m.linkHost(dt)
		}
		if m.snapshot.Tick(dt) {
			m.sendSnapshot()
		}
		if m.sctx.IsHost() && m.worldSync.Tick(dt) {
			ws := m.game.WorldState()
			m.send(protocol.Broadcast, protocol.TypeWorldStateSync, &ws)
		}
	}

	m.sync.Update(dt)
	m.remotes.Render()
}

func (m *Machine) retryHandshake(dt time.Duration) {
	host := m.sctx.HostID
	if !m.linkHost(dt) || !m.handshake.Tick(dt) {
		return
	}

	m.handshakeTries++
	if m.handshakeTries > stallAfter {
		m.stallLog.Warn("%v: %d requests to %s unanswered", ErrHandshakeStalled, m.handshakeTries-1, host)
	}
	util.LogDebug("requesting world data from %s", host)
	m.send(host, protocol.TypeWorldInitRequest, nil)
}

func (m *Machine) sendSnapshot() {
	m.sendSnapshotValue(m.game.LocalSnapshot())
}

// sendSnapshotValue publishes snap as the local pose. Snapshots stay
// flagged as teleports while the teleport hold runs, and teleports go
// out reliably.
func (m *Machine) sendSnapshotValue(snap protocol.Snapshot) {
	snap.Peer = m.sctx.MyID
	snap.Timestamp = m.stamp()
	snap.Teleport = snap.Teleport || m.teleportLeft > 0

	h := protocol.Header{Sender: m.sctx.MyID, Target: protocol.Broadcast, Type: protocol.TypePlayerDataUpdate}
	raw := protocol.Build(h, &snap)

	d := snap.Delivery()
	if m.sctx.IsHost() {
		m.tr.Broadcast(raw, d)
		return
	}
	_ = m.tr.SendToHost(raw, d)
}

// stamp returns the session clock in 100ns ticks.
func (m *Machine) stamp() int64 {
	return int64(m.clock / 100)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (m *Machine) startActive() {
	m.snapshot.Reset()
	m.worldSync.Reset()
	m.teleportLeft = m.cfg.Session.TeleportHold
}

// linkHost reports whether a link to the host is up. Without one, and with
// no connect in flight, it dials the host every reconnect interval.
func (m *Machine) linkHost(dt time.Duration) bool {
	host := m.sctx.HostID
	switch {
	case m.tr.Connected(host):
		return true
	case m.tr.Connecting(host):
		return false
	}
	if m.reconnect.Tick(dt) {
		m.connectHost()
	}
	return false
}

func (m *Machine) connectHost() {
	host := m.sctx.HostID
	m.tr.Connect(host, func(err error) {
		if err != nil {
			m.linkLog.Warn("connecting to host %s: %v", host, err)
		}
	})
}

func (m *Machine) teardown() {
	m.tr.DisconnectAll()
	m.remotes.ResetAll()
	m.sctx.Reset()
	m.busy = false
	m.migrated = false
	m.teleportLeft = 0
}

func (m *Machine) handleEvent(ev transport.Event) {
	me := m.sctx.MyID

	switch ev.Kind {
	case transport.PeerConnected:
		if !m.sctx.IsHost() || !ev.Incoming {
			return
		}
		util.LogInfo("peer %s connected", ev.Peer)
		m.remotes.Create(ev.Peer)
		m.broadcastExcept(ev.Peer, protocol.TypePlayerCreate, &protocol.PeerRef{Peer: ev.Peer})
		if m.migrated {
			m.send(ev.Peer, protocol.TypeResyncRequest, nil)
		}

	case transport.PeerDisconnected:
		if m.sctx.IsHost() {
			m.dropPeer(ev.Peer)
		} else if ev.Peer == m.sctx.HostID {
			util.LogWarning("lost link to host %s", ev.Peer)
			m.reconnect.Reset()
		}

	case transport.MemberJoined:
		if ev.Peer != me && m.sctx.Initialized() {
			m.remotes.Create(ev.Peer)
		}

	case transport.MemberLeft:
		m.dropPeer(ev.Peer)

	case transport.OwnerChanged:
		m.migrate(ev.Peer)
	}
}

// dropPeer removes id's entity. The host also tells everyone else.
func (m *Machine) dropPeer(id protocol.PeerID) {
	if _, ok := m.remotes.Get(id); !ok {
		return
	}
	util.LogInfo("peer %s left", id)
	m.remotes.Remove(id)
	if m.sctx.IsHost() {
		m.send(protocol.Broadcast, protocol.TypePlayerRemove, &protocol.PeerRef{Peer: id})
	}
}

// migrate follows a room ownership change. A new host that never got its
// world data takes over with its own world; surviving clients are asked to
// resend their state as they reconnect.
func (m *Machine) migrate(owner protocol.PeerID) {
	old := m.sctx.HostID
	if owner == old || m.sctx.Phase() == state.Disconnected {
		return
	}
	me := m.sctx.MyID
	m.sctx.HostID = owner
	if old != me {
		m.remotes.Remove(old)
	}
	util.LogInfo("lobby ownership moved from %s to %s", old, owner)

	if owner != me {
		m.handshake.Reset()
		m.reconnect.Reset()
		return
	}

	m.migrated = true
	if err := m.tr.Relay().Listen(); err != nil {
		util.LogError("listening as new host: %v", err)
	}
	if !m.sctx.Initialized() {
		util.LogWarning("became host before world data arrived, keeping local world")
		m.sctx.Seed = m.game.WorldSeed()
		if err := m.sctx.Transition(state.Active); err != nil {
			util.LogError("%v", err)
			return
		}
		m.startActive()
	}
	m.send(protocol.Broadcast, protocol.TypeResyncRequest, nil)
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// send addresses a packet to one peer or to everyone. Clients hand every
// packet to the host, which relays it.
func (m *Machine) send(to protocol.PeerID, t protocol.PacketType, body protocol.Body) {
	raw := protocol.Build(protocol.Header{Sender: m.sctx.MyID, Target: to, Type: t}, body)
	d := protocol.DeliveryFor(t)

	switch {
	case m.sctx.IsHost() && to == protocol.Broadcast:
		m.tr.Broadcast(raw, d)
	case m.sctx.IsHost():
		_ = m.tr.SendToPeer(to, raw, d)
	default:
		if err := m.tr.SendToHost(raw, d); err != nil {
			util.LogDebug("sending %s: %v", t, err)
		}
	}
}

func (m *Machine) broadcastExcept(except protocol.PeerID, t protocol.PacketType, body protocol.Body) {
	raw := protocol.Build(protocol.Header{Sender: m.sctx.MyID, Target: protocol.Broadcast, Type: t}, body)
	m.tr.BroadcastExcept(except, raw, protocol.DeliveryFor(t))
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
