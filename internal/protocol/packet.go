// Package protocol defines the wire format shared by every peer in a session:
// the fixed packet header, the packet type tags, and the payload codecs.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedPacket is returned for buffers too short to hold a header or
// whose payload cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// PeerID identifies a participant for the lifetime of a session.
type PeerID uint64

// Broadcast is the reserved target meaning "every peer".
const Broadcast PeerID = 0

func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// PacketType is the closed set of packet kinds. Values are part of the wire
// format and must never be renumbered.
type PacketType int32

const (
	TypeWorldInitRequest PacketType = 0  // client -> host: ask for seed and roster
	TypeWorldInitData    PacketType = 1  // host -> client: seed and roster
	TypePlayerCreate     PacketType = 2  // host -> all: a peer joined
	TypePlayerRemove     PacketType = 3  // host -> all: a peer left
	TypePlayerDataUpdate PacketType = 4  // any -> all: entity snapshot
	TypeWorldStateSync   PacketType = 5  // host -> all: shared hazard state
	TypeBroadcastMessage PacketType = 6  // any -> all: chat / name tag text
	TypePlayerDamage     PacketType = 7  // any -> owner: damage an entity
	TypePlayerAddForce   PacketType = 8  // any -> owner: push an entity
	TypeResyncRequest    PacketType = 9  // new host -> all: resend authoritative snapshot
	TypeTeleportRequest  PacketType = 40 // any -> target: ask for position and world state
	TypeTeleportResponse PacketType = 41 // target -> requester: position and world state
)

var typeNames = map[PacketType]string{
	TypeWorldInitRequest: "WorldInitRequest",
	TypeWorldInitData:    "WorldInitData",
	TypePlayerCreate:     "PlayerCreate",
	TypePlayerRemove:     "PlayerRemove",
	TypePlayerDataUpdate: "PlayerDataUpdate",
	TypeWorldStateSync:   "WorldStateSync",
	TypeBroadcastMessage: "BroadcastMessage",
	TypePlayerDamage:     "PlayerDamage",
	TypePlayerAddForce:   "PlayerAddForce",
	TypeResyncRequest:    "ResyncRequest",
	TypeTeleportRequest:  "TeleportRequest",
	TypeTeleportResponse: "TeleportResponse",
}

func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", int32(t))
}

// Known reports whether t is one of the defined packet types.
func (t PacketType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// HeaderSize is the fixed header size: Sender(8) + Target(8) + Type(4).
const HeaderSize = 20

// Header is the fixed prefix of every packet.
type Header struct {
	Sender PeerID
	Target PeerID // Broadcast (0) addresses every peer
	Type   PacketType
}

// ParseHeader decodes the header at the start of raw.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedPacket, len(raw), HeaderSize)
	}
	return Header{
		Sender: PeerID(binary.LittleEndian.Uint64(raw[0:8])),
		Target: PeerID(binary.LittleEndian.Uint64(raw[8:16])),
		Type:   PacketType(int32(binary.LittleEndian.Uint32(raw[16:20]))),
	}, nil
}

// Encode appends the header to w.
func (h Header) Encode(w *Writer) {
	w.PutU64(uint64(h.Sender))
	w.PutU64(uint64(h.Target))
	w.PutI32(int32(h.Type))
}

// Delivery selects the reliability class of a send.
type Delivery uint8

const (
	Reliable          Delivery = iota // ordered, retransmitted
	Unreliable                        // may drop or reorder
	UnreliableNoDelay                 // unreliable, flushed without coalescing
)

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case UnreliableNoDelay:
		return "unreliable-nodelay"
	}
	return "delivery(" + strconv.Itoa(int(d)) + ")"
}

// DeliveryFor returns the class used when relaying a packet of type t.
// Position updates tolerate loss; everything else changes state.
func DeliveryFor(t PacketType) Delivery {
	if t == TypePlayerDataUpdate {
		return UnreliableNoDelay
	}
	return Reliable
}

// PacketDelivery refines DeliveryFor with the payload: a position update
// flagged as a teleport is relayed reliably.
func PacketDelivery(t PacketType, payload []byte) Delivery {
	if t == TypePlayerDataUpdate && len(payload) >= SnapshotSize && payload[SnapshotSize-1] != 0 {
		return Reliable
	}
	return DeliveryFor(t)
}
