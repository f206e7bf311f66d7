package remote

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/motion"
	"github.com/1ureka/mpmesh/internal/protocol"
)

type fakeVisual struct {
	syncs     int
	tag       string
	destroyed int
	last      motion.Transform
}

func (v *fakeVisual) Sync(tr motion.Transform) { v.syncs++; v.last = tr }
func (v *fakeVisual) SetTag(text string)       { v.tag = text }
func (v *fakeVisual) Destroy()                 { v.destroyed++ }

type sent struct {
	to   protocol.PeerID
	typ  protocol.PacketType
	body protocol.Body
}

func newTestManager() (*Manager, map[protocol.PeerID]*fakeVisual, *[]sent) {
	visuals := make(map[protocol.PeerID]*fakeVisual)
	var out []sent
	m := NewManager(
		motion.New(motion.Options{}),
		func(id protocol.PeerID) Visual {
			v := &fakeVisual{}
			visuals[id] = v
			return v
		},
		func(to protocol.PeerID, t protocol.PacketType, body protocol.Body) {
			out = append(out, sent{to, t, body})
		},
		func(_ string, amount float32) float32 { return amount * 0.2 },
	)
	return m, visuals, &out
}

// TestCreateIdempotent verifies a second Create returns the same handle
// and builds no second visual.
func TestCreateIdempotent(t *testing.T) {
	m, visuals, _ := newTestManager()

	a := m.Create(42)
	b := m.Create(42)

	if a != b {
		t.Error("Expected Create to return the same entry")
	}
	if a.Entity != b.Entity {
		t.Error("Expected the same tracked entity")
	}
	if len(visuals) != 1 {
		t.Errorf("Expected one visual, got %d", len(visuals))
	}
}

// TestRemoveIdempotent verifies a second Remove is a no-op.
func TestRemoveIdempotent(t *testing.T) {
	m, visuals, _ := newTestManager()
	m.Create(42)

	m.Remove(42)
	m.Remove(42)

	if visuals[42].destroyed != 1 {
		t.Errorf("Expected one Destroy, got %d", visuals[42].destroyed)
	}
	if m.Len() != 0 {
		t.Errorf("Expected no entries, got %d", m.Len())
	}
	if _, ok := m.sync.Entity(42); ok {
		t.Error("Expected synchronizer record to be gone")
	}
}

// TestResetAll verifies every entity and visual is destroyed.
func TestResetAll(t *testing.T) {
	m, visuals, _ := newTestManager()
	for _, id := range []protocol.PeerID{1, 2, 3} {
		m.Create(id)
	}

	m.ResetAll()

	for id, v := range visuals {
		if v.destroyed != 1 {
			t.Errorf("Visual %s destroyed %d times, want 1", id, v.destroyed)
		}
	}
	if m.Len() != 0 || m.sync.Len() != 0 {
		t.Errorf("Expected empty manager and synchronizer, got %d and %d", m.Len(), m.sync.Len())
	}
}

// TestRenderPushesTransform verifies visuals follow the synchronizer.
func TestRenderPushesTransform(t *testing.T) {
	m, visuals, _ := newTestManager()
	m.Create(5)

	if err := m.sync.Apply(protocol.Snapshot{Peer: 5, Position: mgl32.Vec3{1, 2, 3}, Teleport: true}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	m.Render()

	v := visuals[5]
	if v.syncs != 1 || v.last.Position != (mgl32.Vec3{1, 2, 3}) {
		t.Errorf("Render mismatch: syncs=%d last=%v", v.syncs, v.last.Position)
	}
}

// TestSetTag verifies tags reach the visual and unknown peers error.
func TestSetTag(t *testing.T) {
	m, visuals, _ := newTestManager()
	m.Create(5)

	if err := m.SetTag(5, "hello"); err != nil {
		t.Fatalf("SetTag failed: %v", err)
	}
	if visuals[5].tag != "hello" {
		t.Errorf("Tag mismatch: got %q", visuals[5].tag)
	}
	if err := m.SetTag(6, "nobody"); err == nil {
		t.Error("Expected error for unknown peer")
	}
}

// TestFindBySuffix verifies unique, ambiguous and missing suffixes.
func TestFindBySuffix(t *testing.T) {
	m, _, _ := newTestManager()
	for _, id := range []protocol.PeerID{76561198000001234, 76561198000005234, 76561198000000007} {
		m.Create(id)
	}

	testCases := []struct {
		name    string
		suffix  uint64
		want    protocol.PeerID
		wantErr bool
	}{
		{"unique", 1234, 76561198000001234, false},
		{"single digit", 7, 76561198000000007, false},
		{"ambiguous", 234, 0, true},
		{"missing", 999, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.FindBySuffix(tc.suffix)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Error mismatch: got %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Match mismatch: got %s, want %s", got, tc.want)
			}
		})
	}
}

// TestProxyForwardsActions verifies proxy damage and force become scaled
// packets to the owner.
func TestProxyForwardsActions(t *testing.T) {
	m, _, out := newTestManager()
	e := m.Create(8)

	var target Entity = e.Proxy
	target.Damage(10, "rebar")
	target.AddForce(mgl32.Vec3{0, 50, 0}, "explosion")

	if len(*out) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(*out))
	}

	dmg, ok := (*out)[0].body.(*protocol.Damage)
	if !ok || (*out)[0].to != 8 || (*out)[0].typ != protocol.TypePlayerDamage {
		t.Fatalf("Unexpected damage packet: %+v", (*out)[0])
	}
	if dmg.Amount != 2 || dmg.Kind != "rebar" {
		t.Errorf("Damage mismatch: got %+v", dmg)
	}

	force, ok := (*out)[1].body.(*protocol.Force)
	if !ok || (*out)[1].typ != protocol.TypePlayerAddForce {
		t.Fatalf("Unexpected force packet: %+v", (*out)[1])
	}
	if force.Vector != (mgl32.Vec3{0, 5, 0}) || force.Source != "explosion" {
		t.Errorf("Force mismatch: got %+v", force)
	}
}
