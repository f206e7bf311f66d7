// Package motion reconstructs smooth remote entity motion from sparse,
// lossy snapshots.
package motion

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// SmoothDamp moves current toward target with a critically damped spring
// that reaches the target in roughly smoothTime seconds. velocity carries
// state between calls. The result never overshoots the target.
func SmoothDamp(current, target mgl32.Vec3, velocity *mgl32.Vec3, smoothTime, dt float32) mgl32.Vec3 {
	smoothTime = max(smoothTime, 0.0001)
	omega := 2 / smoothTime

	x := omega * dt
	decay := 1 / (1 + x + 0.48*x*x + 0.235*x*x*x)

	change := current.Sub(target)
	temp := velocity.Add(change.Mul(omega)).Mul(dt)
	*velocity = velocity.Sub(temp.Mul(omega)).Mul(decay)
	out := target.Add(change.Add(temp).Mul(decay))

	// Passing the target means the spring overshot; pin to it.
	if target.Sub(current).Dot(out.Sub(target)) > 0 {
		out = target
		*velocity = mgl32.Vec3{}
	}
	return out
}

// Params shapes how a Follower chases its target.
type Params struct {
	MinWindow     float32 // shortest smoothing window, seconds
	MaxWindow     float32 // longest smoothing window, seconds
	DistanceScale float32 // window = distance / DistanceScale before clamping
	MinSpeed      float32 // velocity floor, units per second
	Epsilon       float32 // distance below which the floor is not enforced
}

var (
	// BodyParams: window max(0.1, d/20), floor 2 u/s beyond 0.1.
	BodyParams = Params{MinWindow: 0.1, MaxWindow: math.MaxFloat32, DistanceScale: 20, MinSpeed: 2, Epsilon: 0.1}
	// HandParams: window clamp(d/10, 0.05, 0.2), floor 0.5 u/s beyond 0.05.
	HandParams = Params{MinWindow: 0.05, MaxWindow: 0.2, DistanceScale: 10, MinSpeed: 0.5, Epsilon: 0.05}
)

// Follower is one smoothed point of an entity: its body or a hand.
type Follower struct {
	Params   Params
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Velocity mgl32.Vec3

	teleporting bool
}

// NewFollower returns a Follower at rest at the origin.
func NewFollower(p Params) *Follower {
	return &Follower{Params: p}
}

// SetTarget records a new destination. A teleport jumps there at once and
// skips smoothing for the next Step.
func (f *Follower) SetTarget(pos mgl32.Vec3, teleport bool) {
	f.Target = pos
	if teleport {
		f.Position = pos
		f.Velocity = mgl32.Vec3{}
		f.teleporting = true
	}
}

// Teleporting reports whether the follower jumped and has not stepped since.
func (f *Follower) Teleporting() bool { return f.teleporting }

// Distance returns how far the follower is from its target.
func (f *Follower) Distance() float32 {
	return f.Target.Sub(f.Position).Len()
}

// Step advances the follower by dt seconds.
func (f *Follower) Step(dt float32) {
	if f.teleporting {
		f.teleporting = false
		return
	}
	if dt <= 0 {
		return
	}

	p := f.Params
	dist := f.Distance()
	window := min(max(dist/p.DistanceScale, p.MinWindow), p.MaxWindow)
	f.Position = SmoothDamp(f.Position, f.Target, &f.Velocity, window, dt)

	// Keep a slow approach from crawling forever.
	if remaining := f.Distance(); f.Velocity.Len() < p.MinSpeed && remaining > p.Epsilon {
		f.Velocity = f.Target.Sub(f.Position).Normalize().Mul(p.MinSpeed)
	}
}
