package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/mpmesh/internal/motion"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/router"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/util"
)

func (m *Machine) registerHandlers() {
	m.rt.Handle(protocol.TypeWorldInitRequest, m.onWorldInitRequest)
	m.rt.Handle(protocol.TypeWorldInitData, m.onWorldInitData)
	m.rt.Handle(protocol.TypePlayerCreate, m.onPlayerCreate)
	m.rt.Handle(protocol.TypePlayerRemove, m.onPlayerRemove)
	m.rt.Handle(protocol.TypePlayerDataUpdate, m.onPlayerData)
	m.rt.Handle(protocol.TypeWorldStateSync, m.onWorldState)
	m.rt.Handle(protocol.TypeBroadcastMessage, m.onChat)
	m.rt.Handle(protocol.TypePlayerDamage, m.onDamage)
	m.rt.Handle(protocol.TypePlayerAddForce, m.onForce)
	m.rt.Handle(protocol.TypeResyncRequest, m.onResync)
	m.rt.Handle(protocol.TypeTeleportRequest, m.onTeleportRequest)
	m.rt.Handle(protocol.TypeTeleportResponse, m.onTeleportResponse)
}

// onWorldInitRequest answers a joining client with the seed and every
// peer it should track, the host included.
func (m *Machine) onWorldInitRequest(h protocol.Header, _ *protocol.Reader) error {
	if !m.sctx.IsHost() {
		return nil
	}

	roster := []protocol.PeerID{m.sctx.MyID}
	for _, id := range m.tr.Peers() {
		if id != h.Sender {
			roster = append(roster, id)
		}
	}
	m.remotes.Create(h.Sender)
	m.send(h.Sender, protocol.TypeWorldInitData, &protocol.WorldInit{Seed: m.sctx.Seed, Peers: roster})

	util.LogInfo("sent world data to %s (%d peers)", h.Sender, len(roster))
	return nil
}

func (m *Machine) onWorldInitData(h protocol.Header, r *protocol.Reader) error {
	var init protocol.WorldInit
	if err := init.Decode(r); err != nil {
		return err
	}
	// Retried requests can be answered more than once.
	if m.sctx.Phase() != state.AwaitingInit {
		return nil
	}

	m.sctx.Seed = init.Seed
	m.game.LoadWorld(init.Seed)
	if err := m.sctx.Transition(state.Active); err != nil {
		return err
	}
	for _, id := range init.Peers {
		if id != m.sctx.MyID {
			m.remotes.Create(id)
		}
	}
	m.startActive()

	util.LogSuccess("world loaded from %s (seed %d, %d peers)", h.Sender, init.Seed, len(init.Peers))
	return nil
}

func (m *Machine) onPlayerCreate(_ protocol.Header, r *protocol.Reader) error {
	var ref protocol.PeerRef
	if err := ref.Decode(r); err != nil {
		return err
	}
	if ref.Peer != m.sctx.MyID && m.sctx.Initialized() {
		m.remotes.Create(ref.Peer)
	}
	return nil
}

func (m *Machine) onPlayerRemove(_ protocol.Header, r *protocol.Reader) error {
	var ref protocol.PeerRef
	if err := ref.Decode(r); err != nil {
		return err
	}
	m.remotes.Remove(ref.Peer)
	return nil
}

// onPlayerData applies a remote snapshot. The first snapshot of a peer
// nobody announced creates its entity.
func (m *Machine) onPlayerData(h protocol.Header, r *protocol.Reader) error {
	var snap protocol.Snapshot
	if err := snap.Decode(r); err != nil {
		return err
	}
	if snap.Peer == m.sctx.MyID || !m.sctx.Initialized() {
		return nil
	}
	if snap.Peer != h.Sender {
		return fmt.Errorf("%w: snapshot of %s sent by %s", router.ErrIdentitySpoof, snap.Peer, h.Sender)
	}

	m.remotes.Create(snap.Peer)
	err := m.sync.Apply(snap)
	if errors.Is(err, motion.ErrStaleSnapshot) {
		util.LogDebug("%v", err)
		return nil
	}
	return err
}

func (m *Machine) onWorldState(h protocol.Header, r *protocol.Reader) error {
	var ws protocol.WorldState
	if err := ws.Decode(r); err != nil {
		return err
	}
	if h.Sender != m.sctx.HostID || m.sctx.IsHost() || !m.sctx.Initialized() {
		return nil
	}
	m.game.ApplyWorldState(ws)
	return nil
}

// onChat shows a chat line and uses it as the sender's name tag.
func (m *Machine) onChat(h protocol.Header, r *protocol.Reader) error {
	var msg protocol.Chat
	if err := msg.Decode(r); err != nil {
		return err
	}
	m.game.ShowMessage(h.Sender, msg.Text)
	if err := m.remotes.SetTag(h.Sender, msg.Text); err != nil {
		m.unknownLog.Warn("tag update: %v", err)
	}
	return nil
}

func (m *Machine) onDamage(h protocol.Header, r *protocol.Reader) error {
	var d protocol.Damage
	if err := d.Decode(r); err != nil {
		return err
	}
	if !m.sctx.Initialized() {
		return nil
	}
	amount := m.cfg.Damage.Taken(d.Kind, d.Amount)
	util.LogDebug("%s dealt %.2f %s damage", h.Sender, amount, d.Kind)
	m.game.ApplyDamage(amount, d.Kind)
	return nil
}

func (m *Machine) onForce(_ protocol.Header, r *protocol.Reader) error {
	var f protocol.Force
	if err := f.Decode(r); err != nil {
		return err
	}
	if m.sctx.Initialized() {
		m.game.ApplyForce(f.Vector, f.Source)
	}
	return nil
}

// onResync answers a new host with a reliable teleport snapshot so it can
// place this peer without waiting for smoothing.
func (m *Machine) onResync(h protocol.Header, _ *protocol.Reader) error {
	if h.Sender != m.sctx.HostID || m.sctx.IsHost() || !m.sctx.Initialized() {
		return nil
	}
	util.LogDebug("resending state to new host %s", h.Sender)

	snap := m.game.LocalSnapshot()
	snap.Teleport = true
	m.sendSnapshotValue(snap)
	return nil
}

// onTeleportRequest answers with the local position and the shared world
// state so the requester lands in a consistent world.
func (m *Machine) onTeleportRequest(h protocol.Header, _ *protocol.Reader) error {
	if !m.sctx.Initialized() {
		return nil
	}
	resp := protocol.TeleportResponse{
		State:    m.game.WorldState(),
		Position: m.game.LocalSnapshot().Position,
	}
	m.send(h.Sender, protocol.TypeTeleportResponse, &resp)
	return nil
}

func (m *Machine) onTeleportResponse(h protocol.Header, r *protocol.Reader) error {
	var resp protocol.TeleportResponse
	if err := resp.Decode(r); err != nil {
		return err
	}
	if !m.sctx.Initialized() {
		return nil
	}

	m.teleportLeft = m.cfg.Session.TeleportHold
	m.game.ApplyWorldState(resp.State)
	m.game.Teleport(resp.Position)

	util.LogInfo("teleported to %s at %v", h.Sender, resp.Position)
	return nil
}
