package router_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/relay"
	"github.com/1ureka/mpmesh/internal/router"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/transport"
)

const (
	hostID protocol.PeerID = 100
	peerA  protocol.PeerID = 201
	peerB  protocol.PeerID = 202
	peerC  protocol.PeerID = 203
)

// mesh is a host with three connected clients on an in-process hub.
type mesh struct {
	hub      *relay.Hub
	relays   map[protocol.PeerID]*relay.Memory
	sessions map[protocol.PeerID]*transport.Session
	host     *router.Router
	handled  []protocol.Header
}

func newMesh(t *testing.T) *mesh {
	t.Helper()
	ctx := context.Background()
	opts := transport.Options{InboxSize: 64, ConnectTimeout: time.Second}

	m := &mesh{
		hub:      relay.NewHub(),
		relays:   make(map[protocol.PeerID]*relay.Memory),
		sessions: make(map[protocol.PeerID]*transport.Session),
	}

	var hctx *state.Context
	for _, id := range []protocol.PeerID{hostID, peerA, peerB, peerC} {
		r := m.hub.NewPeerWithID(id)
		sctx := state.New(id)
		sctx.HostID = hostID
		if err := sctx.Transition(state.Active); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if id == hostID {
			hctx = sctx
		}
		m.relays[id] = r
		m.sessions[id] = transport.NewSession(ctx, r, sctx, opts)
	}

	room, err := m.relays[hostID].CreateRoom(ctx, "test", 8)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if err := m.relays[hostID].Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	for _, id := range []protocol.PeerID{peerA, peerB, peerC} {
		if _, err := m.relays[id].JoinRoom(ctx, room.ID); err != nil {
			t.Fatalf("JoinRoom failed: %v", err)
		}
		if err := m.relays[id].ConnectPeer(ctx, hostID); err != nil {
			t.Fatalf("ConnectPeer failed: %v", err)
		}
	}
	for _, s := range m.sessions {
		s.PollEvents(nil)
	}

	hs := m.sessions[hostID]
	m.host = router.New(hctx, hs)
	for _, typ := range []protocol.PacketType{protocol.TypePlayerDataUpdate, protocol.TypeBroadcastMessage, protocol.TypePlayerDamage} {
		m.host.Handle(typ, func(h protocol.Header, _ *protocol.Reader) error {
			m.handled = append(m.handled, h)
			return nil
		})
	}
	return m
}

// send puts raw on the wire from one client to the host and routes it.
func (m *mesh) send(t *testing.T, from protocol.PeerID, raw []byte) {
	t.Helper()
	if err := m.relays[from].Send(hostID, raw, protocol.Reliable); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	m.host.Pump(m.sessions[hostID], 50)
}

// inbox drains everything a client received.
func (m *mesh) inbox(id protocol.PeerID) [][]byte {
	var out [][]byte
	m.sessions[id].DrainMessages(100, func(msg transport.Message) { out = append(out, msg.Data) })
	return out
}

// TestRelayUnicast verifies A -> B reaches only B and is not handled by
// the host.
func TestRelayUnicast(t *testing.T) {
	m := newMesh(t)
	raw := protocol.Build(protocol.Header{Sender: peerA, Target: peerB, Type: protocol.TypePlayerDamage},
		&protocol.Damage{Amount: 3, Kind: "flare"})

	m.send(t, peerA, raw)

	if got := m.inbox(peerB); len(got) != 1 || !bytes.Equal(got[0], raw) {
		t.Errorf("Expected B to receive the packet verbatim, got %v", got)
	}
	if got := m.inbox(peerC); len(got) != 0 {
		t.Errorf("Expected nothing for C, got %d packets", len(got))
	}
	if got := m.inbox(peerA); len(got) != 0 {
		t.Errorf("Expected nothing echoed to A, got %d packets", len(got))
	}
	if len(m.handled) != 0 {
		t.Errorf("Expected host not to handle a relayed unicast, got %v", m.handled)
	}
}

// TestRelayBroadcast verifies A -> * reaches B and C, not A, and is also
// handled by the host.
func TestRelayBroadcast(t *testing.T) {
	m := newMesh(t)
	raw := protocol.Build(protocol.Header{Sender: peerA, Target: protocol.Broadcast, Type: protocol.TypeBroadcastMessage},
		&protocol.Chat{Text: "hi"})

	m.send(t, peerA, raw)

	for _, id := range []protocol.PeerID{peerB, peerC} {
		if got := m.inbox(id); len(got) != 1 || !bytes.Equal(got[0], raw) {
			t.Errorf("Expected %s to receive the broadcast, got %v", id, got)
		}
	}
	if got := m.inbox(peerA); len(got) != 0 {
		t.Errorf("Expected no echo to A, got %d packets", len(got))
	}
	if len(m.handled) != 1 || m.handled[0].Sender != peerA {
		t.Errorf("Expected host to handle the broadcast once, got %v", m.handled)
	}
}

// TestTargetedAtHost verifies a packet for the host is handled and not
// relayed.
func TestTargetedAtHost(t *testing.T) {
	m := newMesh(t)
	raw := protocol.Build(protocol.Header{Sender: peerA, Target: hostID, Type: protocol.TypePlayerDamage},
		&protocol.Damage{Amount: 1})

	m.send(t, peerA, raw)

	if len(m.handled) != 1 {
		t.Errorf("Expected host to handle the packet, got %v", m.handled)
	}
	for _, id := range []protocol.PeerID{peerB, peerC} {
		if got := m.inbox(id); len(got) != 0 {
			t.Errorf("Expected nothing for %s, got %d packets", id, len(got))
		}
	}
}

// TestSpoofRejected verifies a forged sender is neither relayed nor
// handled.
func TestSpoofRejected(t *testing.T) {
	testCases := []struct {
		name   string
		target protocol.PeerID
	}{
		{"forged broadcast", protocol.Broadcast},
		{"forged unicast", peerC},
		{"forged to host", hostID},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMesh(t)
			raw := protocol.Build(protocol.Header{Sender: peerB, Target: tc.target, Type: protocol.TypeBroadcastMessage},
				&protocol.Chat{Text: "forged"})

			if err := m.relays[peerA].Send(hostID, raw, protocol.Reliable); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			var routeErr error
			m.sessions[hostID].DrainMessages(10, func(msg transport.Message) {
				routeErr = m.host.Route(msg.From, msg.Data)
			})

			if !errors.Is(routeErr, router.ErrIdentitySpoof) {
				t.Errorf("Expected ErrIdentitySpoof, got %v", routeErr)
			}
			if len(m.handled) != 0 {
				t.Errorf("Expected no dispatch, got %v", m.handled)
			}
			for _, id := range []protocol.PeerID{peerA, peerB, peerC} {
				if got := m.inbox(id); len(got) != 0 {
					t.Errorf("Expected nothing for %s, got %d packets", id, len(got))
				}
			}
		})
	}
}

// TestMalformedDropped verifies short and truncated packets are dropped.
func TestMalformedDropped(t *testing.T) {
	m := newMesh(t)

	if err := m.host.Route(peerA, []byte{1, 2, 3}); !errors.Is(err, protocol.ErrMalformedPacket) {
		t.Errorf("Expected ErrMalformedPacket for short header, got %v", err)
	}

	// Header says snapshot but the payload is cut short.
	full := protocol.Build(protocol.Header{Sender: peerA, Target: hostID, Type: protocol.TypePlayerDataUpdate},
		&protocol.Snapshot{Peer: peerA})
	m.host.Handle(protocol.TypePlayerDataUpdate, func(_ protocol.Header, r *protocol.Reader) error {
		var s protocol.Snapshot
		return s.Decode(r)
	})

	err := m.host.Route(peerA, full[:protocol.HeaderSize+10])
	if !errors.Is(err, protocol.ErrMalformedPacket) || !errors.Is(err, protocol.ErrBufferUnderrun) {
		t.Errorf("Expected malformed underrun, got %v", err)
	}
}

// TestUnknownTypeIgnored verifies unregistered types are not an error.
func TestUnknownTypeIgnored(t *testing.T) {
	m := newMesh(t)
	raw := protocol.Build(protocol.Header{Sender: peerA, Target: hostID, Type: protocol.PacketType(77)}, nil)

	if err := m.host.Route(peerA, raw); err != nil {
		t.Errorf("Expected unknown type to be ignored, got %v", err)
	}
	if len(m.handled) != 0 {
		t.Errorf("Expected no dispatch, got %v", m.handled)
	}
}

// TestClientDoesNotRelay verifies relay rules only apply on the host.
func TestClientDoesNotRelay(t *testing.T) {
	m := newMesh(t)

	cctx := state.New(peerB)
	cctx.HostID = hostID
	_ = cctx.Transition(state.Active)

	var handled int
	client := router.New(cctx, m.sessions[peerB])
	client.Handle(protocol.TypeBroadcastMessage, func(protocol.Header, *protocol.Reader) error {
		handled++
		return nil
	})

	// Sender differs from the connection id: on a client this is a relayed
	// packet, not a spoof.
	raw := protocol.Build(protocol.Header{Sender: peerA, Target: protocol.Broadcast, Type: protocol.TypeBroadcastMessage},
		&protocol.Chat{Text: "via host"})
	if err := client.Route(hostID, raw); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if handled != 1 {
		t.Errorf("Expected client to handle the packet once, got %d", handled)
	}
	if got := m.inbox(hostID); len(got) != 0 {
		t.Errorf("Expected client not to relay, host received %d packets", len(got))
	}
}

// deliveryLog is a Forwarder that records the class of every relay.
type deliveryLog struct {
	classes []protocol.Delivery
}

func (d *deliveryLog) SendToPeer(_ protocol.PeerID, _ []byte, c protocol.Delivery) error {
	d.classes = append(d.classes, c)
	return nil
}

func (d *deliveryLog) BroadcastExcept(_ protocol.PeerID, _ []byte, c protocol.Delivery) {
	d.classes = append(d.classes, c)
}

// TestRelayDeliveryClass verifies relayed position updates keep their
// loss tolerance unless they carry a teleport.
func TestRelayDeliveryClass(t *testing.T) {
	tests := []struct {
		name     string
		target   protocol.PeerID
		teleport bool
		want     protocol.Delivery
	}{
		{"broadcast update", protocol.Broadcast, false, protocol.UnreliableNoDelay},
		{"broadcast teleport", protocol.Broadcast, true, protocol.Reliable},
		{"unicast teleport", peerB, true, protocol.Reliable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hctx := state.New(hostID)
			hctx.HostID = hostID
			if err := hctx.Transition(state.Active); err != nil {
				t.Fatalf("Transition failed: %v", err)
			}
			fw := &deliveryLog{}
			rt := router.New(hctx, fw)

			snap := protocol.Snapshot{Peer: peerA, Teleport: tc.teleport}
			raw := protocol.Build(protocol.Header{Sender: peerA, Target: tc.target, Type: protocol.TypePlayerDataUpdate}, &snap)
			if err := rt.Route(peerA, raw); err != nil {
				t.Fatalf("Route failed: %v", err)
			}

			if len(fw.classes) != 1 || fw.classes[0] != tc.want {
				t.Errorf("Delivery mismatch: got %v, want [%s]", fw.classes, tc.want)
			}
		})
	}
}
