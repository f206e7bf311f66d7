package motion

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/protocol"
)

var (
	// ErrUnknownPeer is returned for snapshots of peers nobody tracks.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrStaleSnapshot is returned for snapshots older than the last one
	// applied to the same entity.
	ErrStaleSnapshot = errors.New("stale snapshot")
)

// Transform is the rendered pose of a remote entity.
type Transform struct {
	Position    mgl32.Vec3
	Rotation    mgl32.Quat
	LeftHand    mgl32.Vec3
	RightHand   mgl32.Vec3
	Teleporting bool
}

// Entity is the synchronizer's record for one remote peer.
type Entity struct {
	Peer     protocol.PeerID
	Body     *Follower
	Left     *Follower
	Right    *Follower
	Rotation mgl32.Quat
	Target   protocol.Snapshot // last applied snapshot

	createdAt time.Duration
	lastStamp int64
	stamped   bool
}

// Transform returns the entity's current pose.
func (e *Entity) Transform() Transform {
	return Transform{
		Position:    e.Body.Position,
		Rotation:    e.Rotation,
		LeftHand:    e.Left.Position,
		RightHand:   e.Right.Position,
		Teleporting: e.Body.Teleporting(),
	}
}

// Options tunes a Synchronizer.
type Options struct {
	WarmupTeleport time.Duration // every snapshot teleports for this long after Track
	RejectStale    bool          // refuse snapshots older than the last applied one
}

// Synchronizer owns every tracked entity. It runs on the simulation thread.
type Synchronizer struct {
	opts     Options
	clock    time.Duration
	entities map[protocol.PeerID]*Entity
}

// New returns an empty Synchronizer.
func New(opts Options) *Synchronizer {
	return &Synchronizer{
		opts:     opts,
		entities: make(map[protocol.PeerID]*Entity),
	}
}

// Track starts tracking id and returns its entity. Tracking an id twice
// returns the same entity.
func (s *Synchronizer) Track(id protocol.PeerID) *Entity {
	if e, ok := s.entities[id]; ok {
		return e
	}
	e := &Entity{
		Peer:      id,
		Body:      NewFollower(BodyParams),
		Left:      NewFollower(HandParams),
		Right:     NewFollower(HandParams),
		Rotation:  mgl32.QuatIdent(),
		createdAt: s.clock,
	}
	s.entities[id] = e
	return e
}

// Untrack stops tracking id and reports whether it was tracked.
func (s *Synchronizer) Untrack(id protocol.PeerID) bool {
	_, ok := s.entities[id]
	delete(s.entities, id)
	return ok
}

// Entity returns the record for id.
func (s *Synchronizer) Entity(id protocol.PeerID) (*Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Transform returns the current pose of id.
func (s *Synchronizer) Transform(id protocol.PeerID) (Transform, bool) {
	e, ok := s.entities[id]
	if !ok {
		return Transform{}, false
	}
	return e.Transform(), true
}

// Peers returns every tracked id in ascending order.
func (s *Synchronizer) Peers() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked entities.
func (s *Synchronizer) Len() int { return len(s.entities) }

// Reset drops every entity.
func (s *Synchronizer) Reset() {
	clear(s.entities)
}

// Apply makes snap the target of its peer's entity. Rotation is applied
// at once; positions are smoothed by Update unless the snapshot teleports
// or the entity is still warming up.
func (s *Synchronizer) Apply(snap protocol.Snapshot) error {
	e, ok := s.entities[snap.Peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, snap.Peer)
	}
	if s.opts.RejectStale && e.stamped && snap.Timestamp < e.lastStamp {
		return fmt.Errorf("%w: %s at %d, last %d", ErrStaleSnapshot, snap.Peer, snap.Timestamp, e.lastStamp)
	}
	e.lastStamp = snap.Timestamp
	e.stamped = true

	teleport := snap.Teleport || s.clock-e.createdAt < s.opts.WarmupTeleport

	e.Target = snap
	e.Rotation = snap.Rotation
	e.Body.SetTarget(snap.Position, teleport)
	e.Left.SetTarget(snap.LeftHand, teleport)
	e.Right.SetTarget(snap.RightHand, teleport)
	return nil
}

// Update advances every entity by dt.
func (s *Synchronizer) Update(dt time.Duration) {
	s.clock += dt
	step := float32(dt.Seconds())
	for _, e := range s.entities {
		e.Body.Step(step)
		e.Left.Step(step)
		e.Right.Step(step)
	}
}
