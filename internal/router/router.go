// Package router authenticates, relays and dispatches inbound packets.
//
// Every peer talks only to the host. When the local peer is the host, the
// router forwards unicast packets to their target and fans broadcasts out
// to everyone but the sender before handling them locally, which gives the
// star topology the semantics of a full mesh.
package router

import (
	"errors"
	"fmt"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/state"
	"github.com/1ureka/mpmesh/internal/transport"
	"github.com/1ureka/mpmesh/internal/util"
)

// ErrIdentitySpoof is returned when a packet's sender field does not match
// the connection it arrived on.
var ErrIdentitySpoof = errors.New("identity spoof detected")

// HandlerFunc handles one packet type. r is positioned at the payload and
// must not be retained after the call.
type HandlerFunc func(h protocol.Header, r *protocol.Reader) error

// Forwarder is the send side the host needs to relay packets.
type Forwarder interface {
	SendToPeer(id protocol.PeerID, data []byte, d protocol.Delivery) error
	BroadcastExcept(except protocol.PeerID, data []byte, d protocol.Delivery)
}

// Source is the queue Pump drains.
type Source interface {
	DrainMessages(limit int, fn func(transport.Message)) int
}

// Router owns the handler table. It runs on the simulation thread.
type Router struct {
	sctx     *state.Context
	fw       Forwarder
	handlers map[protocol.PacketType]HandlerFunc

	spoofLog     *util.Throttle
	malformedLog *util.Throttle
}

// New creates a Router with an empty handler table.
func New(sctx *state.Context, fw Forwarder) *Router {
	return &Router{
		sctx:         sctx,
		fw:           fw,
		handlers:     make(map[protocol.PacketType]HandlerFunc),
		spoofLog:     util.NewThrottle(util.DefaultThrottleInterval),
		malformedLog: util.NewThrottle(util.DefaultThrottleInterval),
	}
}

// Handle registers fn for packets of type t, replacing any previous one.
func (rt *Router) Handle(t protocol.PacketType, fn HandlerFunc) {
	rt.handlers[t] = fn
}

// Route processes one raw packet received on the connection to from.
// Dropped packets return ErrMalformedPacket or ErrIdentitySpoof; the
// caller may ignore the error, it has already been counted and logged.
func (rt *Router) Route(from protocol.PeerID, raw []byte) error {
	h, err := protocol.ParseHeader(raw)
	if err != nil {
		util.Stats.AddDropped()
		rt.malformedLog.Warn("dropping packet from %s: %v", from, err)
		return err
	}

	if rt.sctx.IsHost() {
		if h.Sender != from {
			util.Stats.AddDropped()
			rt.spoofLog.Warn("dropping %s from connection %s claiming sender %s", h.Type, from, h.Sender)
			return fmt.Errorf("%w: connection %s, header %s", ErrIdentitySpoof, from, h.Sender)
		}

		me := rt.sctx.MyID
		d := protocol.PacketDelivery(h.Type, raw[protocol.HeaderSize:])
		switch {
		case h.Target != me && h.Target != protocol.Broadcast:
			util.Stats.AddForwarded()
			if err := rt.fw.SendToPeer(h.Target, raw, d); err != nil {
				util.LogDebug("relay of %s to %s failed: %v", h.Type, h.Target, err)
			}
			return nil
		case h.Target == protocol.Broadcast && h.Sender != me:
			util.Stats.AddForwarded()
			rt.fw.BroadcastExcept(h.Sender, raw, d)
		}
	}

	return rt.dispatch(h, raw[protocol.HeaderSize:])
}

func (rt *Router) dispatch(h protocol.Header, payload []byte) error {
	fn, ok := rt.handlers[h.Type]
	if !ok {
		util.LogDebug("ignoring %s from %s", h.Type, h.Sender)
		return nil
	}

	r := protocol.GetReader(payload)
	defer protocol.PutReader(r)

	if err := fn(h, r); err != nil {
		util.Stats.AddDropped()
		if errors.Is(err, protocol.ErrBufferUnderrun) {
			err = fmt.Errorf("%w: %s: %w", protocol.ErrMalformedPacket, h.Type, err)
		}
		rt.malformedLog.Warn("handling %s from %s: %v", h.Type, h.Sender, err)
		return err
	}
	return nil
}

// Pump routes at most limit queued messages from src and returns how many
// were taken.
func (rt *Router) Pump(src Source, limit int) int {
	return src.DrainMessages(limit, func(m transport.Message) {
		_ = rt.Route(m.From, m.Data)
	})
}
