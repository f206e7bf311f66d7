package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Body is a packet payload that can serialize itself after a header.
type Body interface {
	Encode(w *Writer)
}

// SnapshotSize is the encoded size of a Snapshot:
// peer(8) + timestamp(8) + pos(12) + rot(16) + left(12) + right(12) + teleport(1).
const SnapshotSize = 69

// Snapshot is the periodic pose of one peer's entity.
type Snapshot struct {
	Peer      PeerID
	Timestamp int64 // sender clock in 100ns ticks
	Position  mgl32.Vec3
	Rotation  mgl32.Quat
	LeftHand  mgl32.Vec3
	RightHand mgl32.Vec3
	Teleport  bool
}

// Delivery returns the class a snapshot is sent with. Teleports must not
// be lost.
func (s *Snapshot) Delivery() Delivery {
	if s.Teleport {
		return Reliable
	}
	return UnreliableNoDelay
}

func (s *Snapshot) Encode(w *Writer) {
	w.PutU64(uint64(s.Peer))
	w.PutI64(s.Timestamp)
	w.PutVec3(s.Position)
	w.PutQuat(s.Rotation)
	w.PutVec3(s.LeftHand)
	w.PutVec3(s.RightHand)
	w.PutBool(s.Teleport)
}

func (s *Snapshot) Decode(r *Reader) (err error) {
	var peer uint64
	if peer, err = r.U64(); err != nil {
		return err
	}
	s.Peer = PeerID(peer)
	if s.Timestamp, err = r.I64(); err != nil {
		return err
	}
	if s.Position, err = r.Vec3(); err != nil {
		return err
	}
	if s.Rotation, err = r.Quat(); err != nil {
		return err
	}
	if s.LeftHand, err = r.Vec3(); err != nil {
		return err
	}
	if s.RightHand, err = r.Vec3(); err != nil {
		return err
	}
	s.Teleport, err = r.Bool()
	return err
}

// WorldInit answers a WorldInitRequest with the world seed and the roster
// of peers the requester should create entities for.
type WorldInit struct {
	Seed  int32
	Peers []PeerID
}

func (m *WorldInit) Encode(w *Writer) {
	w.PutI32(m.Seed)
	w.PutI32(int32(len(m.Peers)))
	for _, id := range m.Peers {
		w.PutU64(uint64(id))
	}
}

func (m *WorldInit) Decode(r *Reader) error {
	seed, err := r.I32()
	if err != nil {
		return err
	}
	count, err := r.I32()
	if err != nil {
		return err
	}
	if count < 0 || int(count)*8 > r.Remaining() {
		return fmt.Errorf("%w: roster of %d peers with %d bytes left", ErrBufferUnderrun, count, r.Remaining())
	}

	m.Seed = seed
	m.Peers = make([]PeerID, 0, count)
	for range count {
		id, err := r.U64()
		if err != nil {
			return err
		}
		m.Peers = append(m.Peers, PeerID(id))
	}
	return nil
}

// PeerRef names a single peer (PlayerCreate, PlayerRemove).
type PeerRef struct {
	Peer PeerID
}

func (m *PeerRef) Encode(w *Writer) { w.PutU64(uint64(m.Peer)) }

func (m *PeerRef) Decode(r *Reader) error {
	id, err := r.U64()
	m.Peer = PeerID(id)
	return err
}

// Chat is a broadcast text line. Receivers also show it as the sender's tag.
type Chat struct {
	Text string
}

func (m *Chat) Encode(w *Writer) { w.PutString(m.Text) }

func (m *Chat) Decode(r *Reader) (err error) {
	m.Text, err = r.Text()
	return err
}

// Damage asks the owner of an entity to take damage of the given kind.
type Damage struct {
	Amount float32
	Kind   string
}

func (m *Damage) Encode(w *Writer) {
	w.PutF32(m.Amount)
	w.PutString(m.Kind)
}

func (m *Damage) Decode(r *Reader) (err error) {
	if m.Amount, err = r.F32(); err != nil {
		return err
	}
	m.Kind, err = r.Text()
	return err
}

// Force asks the owner of an entity to apply an impulse.
type Force struct {
	Vector mgl32.Vec3
	Source string
}

func (m *Force) Encode(w *Writer) {
	w.PutVec3(m.Vector)
	w.PutString(m.Source)
}

func (m *Force) Decode(r *Reader) (err error) {
	if m.Vector, err = r.Vec3(); err != nil {
		return err
	}
	m.Source, err = r.Text()
	return err
}

// WorldState is the host-owned shared hazard: a rising floor that kills on
// contact.
type WorldState struct {
	HazardHeight    float32 // relative to the current level
	HazardActive    bool
	HazardSpeed     float32
	HazardSpeedMult float32
}

func (m *WorldState) Encode(w *Writer) {
	w.PutF32(m.HazardHeight)
	w.PutBool(m.HazardActive)
	w.PutF32(m.HazardSpeed)
	w.PutF32(m.HazardSpeedMult)
}

func (m *WorldState) Decode(r *Reader) (err error) {
	if m.HazardHeight, err = r.F32(); err != nil {
		return err
	}
	if m.HazardActive, err = r.Bool(); err != nil {
		return err
	}
	if m.HazardSpeed, err = r.F32(); err != nil {
		return err
	}
	m.HazardSpeedMult, err = r.F32()
	return err
}

// TeleportResponse carries the responder's world state and position.
type TeleportResponse struct {
	State    WorldState
	Position mgl32.Vec3
}

func (m *TeleportResponse) Encode(w *Writer) {
	m.State.Encode(w)
	w.PutVec3(m.Position)
}

func (m *TeleportResponse) Decode(r *Reader) (err error) {
	if err = m.State.Decode(r); err != nil {
		return err
	}
	m.Position, err = r.Vec3()
	return err
}
