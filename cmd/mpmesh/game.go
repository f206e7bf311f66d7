package main

import (
	"math"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/motion"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/remote"
	"github.com/1ureka/mpmesh/internal/session"
	"github.com/1ureka/mpmesh/internal/util"
)

// world is a headless stand-in for the game: a player pose, a world seed
// and the shared hazard state. Bots wander in a circle.
type world struct {
	name   string
	seed   int32
	health float32

	pos   mgl32.Vec3
	rot   mgl32.Quat
	state protocol.WorldState

	wander bool
	angle  float64
}

var _ session.Game = (*world)(nil)

func newWorld(name string, wander bool) *world {
	return &world{
		name:   name,
		seed:   rand.Int32(),
		health: 100,
		rot:    mgl32.QuatIdent(),
		state:  protocol.WorldState{HazardSpeed: 1, HazardSpeedMult: 1},
		wander: wander,
		angle:  rand.Float64() * 2 * math.Pi,
	}
}

// advance moves a wandering bot and raises the hazard.
func (w *world) advance(seconds float64) {
	if w.wander {
		w.angle += seconds
		w.pos = mgl32.Vec3{float32(3 * math.Cos(w.angle)), 1, float32(3 * math.Sin(w.angle))}
		w.rot = mgl32.QuatRotate(float32(-w.angle), mgl32.Vec3{0, 1, 0})
	}
	if w.state.HazardActive {
		w.state.HazardHeight += float32(seconds) * w.state.HazardSpeed * w.state.HazardSpeedMult
	}
}

func (w *world) WorldSeed() int32 { return w.seed }

func (w *world) LoadWorld(seed int32) {
	w.seed = seed
	w.pos = mgl32.Vec3{0, 1, 0}
	util.LogDebug("%s: world generated from seed %d", w.name, seed)
}

func (w *world) LocalSnapshot() protocol.Snapshot {
	right := w.rot.Rotate(mgl32.Vec3{0.3, 0, 0})
	return protocol.Snapshot{
		Position:  w.pos,
		Rotation:  w.rot,
		LeftHand:  w.pos.Sub(right),
		RightHand: w.pos.Add(right),
	}
}

func (w *world) WorldState() protocol.WorldState { return w.state }

func (w *world) ApplyWorldState(ws protocol.WorldState) { w.state = ws }

func (w *world) Teleport(pos mgl32.Vec3) {
	w.pos = pos
	util.LogInfo("%s: teleported to (%.1f, %.1f, %.1f)", w.name, pos.X(), pos.Y(), pos.Z())
}

func (w *world) ApplyDamage(amount float32, kind string) {
	w.health = max(0, w.health-amount)
	util.LogWarning("%s: took %.1f %s damage (health %.1f)", w.name, amount, kind, w.health)
}

func (w *world) ApplyForce(v mgl32.Vec3, source string) {
	w.pos = w.pos.Add(v)
	util.LogDebug("%s: pushed by %s (%.1f, %.1f, %.1f)", w.name, source, v.X(), v.Y(), v.Z())
}

func (w *world) ShowMessage(from protocol.PeerID, text string) {
	util.LogInfo("[%s] %s: %s", w.name, from, text)
}

// tagVisual logs what a renderer would draw for a remote player.
type tagVisual struct {
	peer protocol.PeerID
	tag  string
}

func newVisual(id protocol.PeerID) remote.Visual { return &tagVisual{peer: id} }

func (v *tagVisual) Sync(motion.Transform) {}

func (v *tagVisual) SetTag(text string) {
	if text != v.tag {
		v.tag = text
		util.LogDebug("player %s is now tagged %q", v.peer, text)
	}
}

func (v *tagVisual) Destroy() { util.LogDebug("player %s removed", v.peer) }
