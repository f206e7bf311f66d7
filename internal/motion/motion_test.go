package motion

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/protocol"
)

const frame = time.Second / 60

// TestConvergence verifies distance strictly decreases toward a
// stationary target and reaches it within a bound proportional to the
// starting distance.
func TestConvergence(t *testing.T) {
	testCases := []struct {
		name   string
		params Params
		start  mgl32.Vec3
	}{
		{"body far", BodyParams, mgl32.Vec3{40, 0, 0}},
		{"body near", BodyParams, mgl32.Vec3{0.5, 0, 0}},
		{"body diagonal", BodyParams, mgl32.Vec3{3, -4, 12}},
		{"hand far", HandParams, mgl32.Vec3{2, 1, 0}},
		{"hand near", HandParams, mgl32.Vec3{0.06, 0, 0}},
	}

	const epsilon = 0.01
	dt := float32(frame.Seconds())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFollower(tc.params)
			f.Position = tc.start
			f.SetTarget(mgl32.Vec3{}, false)

			start := f.Distance()
			// Floor speed bounds the travel time; add two seconds of settling.
			limit := int((start/tc.params.MinSpeed + 2) * 60)

			prev := start
			frames := 0
			for f.Distance() >= epsilon {
				if frames >= limit {
					t.Fatalf("Did not converge within %d frames (distance %v)", limit, f.Distance())
				}
				f.Step(dt)
				frames++

				d := f.Distance()
				if d >= prev {
					t.Fatalf("Distance did not decrease at frame %d: %v -> %v", frames, prev, d)
				}
				prev = d
			}
		})
	}
}

// TestVelocityFloor verifies a slow approach is pushed to the floor speed.
func TestVelocityFloor(t *testing.T) {
	f := NewFollower(BodyParams)
	f.Position = mgl32.Vec3{1, 0, 0}
	f.SetTarget(mgl32.Vec3{}, false)

	f.Step(float32(frame.Seconds()))

	if f.Distance() > BodyParams.Epsilon && f.Velocity.Len() < BodyParams.MinSpeed-1e-4 {
		t.Errorf("Expected velocity of at least %v, got %v", BodyParams.MinSpeed, f.Velocity.Len())
	}
}

// TestTeleportExact verifies a teleport snapshot lands exactly, with zero
// velocity, whatever the prior state.
func TestTeleportExact(t *testing.T) {
	priors := []struct {
		name string
		prep func(s *Synchronizer, id protocol.PeerID)
	}{
		{"at rest", func(*Synchronizer, protocol.PeerID) {}},
		{"mid flight", func(s *Synchronizer, id protocol.PeerID) {
			_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 1, Position: mgl32.Vec3{100, 0, 0}})
			for range 10 {
				s.Update(frame)
			}
		}},
		{"already teleporting", func(s *Synchronizer, id protocol.PeerID) {
			_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 1, Position: mgl32.Vec3{-5, 5, 5}, Teleport: true})
		}},
	}

	snap := protocol.Snapshot{
		Timestamp: 10,
		Position:  mgl32.Vec3{7.25, 1.5, -3},
		Rotation:  mgl32.Quat{W: 0.5, V: mgl32.Vec3{0.5, 0.5, 0.5}},
		LeftHand:  mgl32.Vec3{7, 2, -3},
		RightHand: mgl32.Vec3{7.5, 2, -3},
		Teleport:  true,
	}

	for _, tc := range priors {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Options{})
			const id protocol.PeerID = 9
			s.Track(id)
			tc.prep(s, id)

			snap.Peer = id
			if err := s.Apply(snap); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}

			e, _ := s.Entity(id)
			tr := e.Transform()
			if tr.Position != snap.Position || tr.LeftHand != snap.LeftHand || tr.RightHand != snap.RightHand {
				t.Errorf("Transform mismatch: got %+v", tr)
			}
			if tr.Rotation != snap.Rotation {
				t.Errorf("Rotation mismatch: got %v, want %v", tr.Rotation, snap.Rotation)
			}
			for _, f := range []*Follower{e.Body, e.Left, e.Right} {
				if f.Velocity != (mgl32.Vec3{}) {
					t.Errorf("Expected zero velocity, got %v", f.Velocity)
				}
			}
			if !tr.Teleporting {
				t.Error("Expected entity to be teleporting")
			}
		})
	}
}

// TestTeleportHoldsOneTick verifies smoothing is skipped for exactly one
// Update after a teleport.
func TestTeleportHoldsOneTick(t *testing.T) {
	s := New(Options{})
	const id protocol.PeerID = 3
	s.Track(id)

	_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 1, Position: mgl32.Vec3{5, 0, 0}, Teleport: true})
	// A slower snapshot arrives in the same frame.
	_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 2, Position: mgl32.Vec3{6, 0, 0}})

	s.Update(frame)
	tr, _ := s.Transform(id)
	if tr.Position != (mgl32.Vec3{5, 0, 0}) {
		t.Errorf("Expected no smoothing on the held tick, got %v", tr.Position)
	}
	if tr.Teleporting {
		t.Error("Expected teleport flag to clear after one tick")
	}

	s.Update(frame)
	tr, _ = s.Transform(id)
	if tr.Position[0] <= 5 {
		t.Errorf("Expected smoothing to resume, got %v", tr.Position)
	}
}

// TestWarmupForcesTeleport verifies new entities snap instead of flying in.
func TestWarmupForcesTeleport(t *testing.T) {
	s := New(Options{WarmupTeleport: 5 * time.Second})
	const id protocol.PeerID = 4
	s.Track(id)

	s.Update(time.Second)
	_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 1, Position: mgl32.Vec3{30, 0, 0}})
	if tr, _ := s.Transform(id); tr.Position != (mgl32.Vec3{30, 0, 0}) {
		t.Errorf("Expected warm-up teleport, got %v", tr.Position)
	}

	s.Update(5 * time.Second)
	_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 2, Position: mgl32.Vec3{40, 0, 0}})
	if tr, _ := s.Transform(id); tr.Position != (mgl32.Vec3{30, 0, 0}) {
		t.Errorf("Expected smoothing after warm-up, got %v", tr.Position)
	}
}

// TestApplyUnknownPeer verifies untracked peers are reported.
func TestApplyUnknownPeer(t *testing.T) {
	s := New(Options{})
	err := s.Apply(protocol.Snapshot{Peer: 99})
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Expected ErrUnknownPeer, got %v", err)
	}
}

// TestStaleSnapshots verifies the monotonic timestamp guard.
func TestStaleSnapshots(t *testing.T) {
	testCases := []struct {
		name      string
		reject    bool
		wantErr   bool
		wantFinal float32
	}{
		{"guard on", true, true, 10},
		{"guard off", false, false, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Options{RejectStale: tc.reject})
			const id protocol.PeerID = 5
			s.Track(id)

			_ = s.Apply(protocol.Snapshot{Peer: id, Timestamp: 200, Position: mgl32.Vec3{10, 0, 0}})
			err := s.Apply(protocol.Snapshot{Peer: id, Timestamp: 100, Position: mgl32.Vec3{20, 0, 0}})

			if gotErr := errors.Is(err, ErrStaleSnapshot); gotErr != tc.wantErr {
				t.Errorf("Stale error mismatch: got %v, wantErr %v", err, tc.wantErr)
			}
			e, _ := s.Entity(id)
			if e.Body.Target[0] != tc.wantFinal {
				t.Errorf("Target mismatch: got %v, want %v", e.Body.Target[0], tc.wantFinal)
			}
		})
	}

	t.Run("equal timestamps accepted", func(t *testing.T) {
		s := New(Options{RejectStale: true})
		s.Track(6)
		_ = s.Apply(protocol.Snapshot{Peer: 6, Timestamp: 50})
		if err := s.Apply(protocol.Snapshot{Peer: 6, Timestamp: 50}); err != nil {
			t.Errorf("Expected equal timestamp to be accepted, got %v", err)
		}
	})
}

// TestTrackIdempotent verifies repeated Track returns the same entity and
// repeated Untrack is a no-op.
func TestTrackIdempotent(t *testing.T) {
	s := New(Options{})
	a := s.Track(8)
	b := s.Track(8)
	if a != b {
		t.Error("Expected Track to return the same entity")
	}
	if !s.Untrack(8) {
		t.Error("Expected first Untrack to report a tracked entity")
	}
	if s.Untrack(8) {
		t.Error("Expected second Untrack to be a no-op")
	}
	if s.Len() != 0 {
		t.Errorf("Expected no entities, got %d", s.Len())
	}
}
