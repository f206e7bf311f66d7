package remote

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/1ureka/mpmesh/internal/protocol"
)

// Damageable is anything that can take damage.
type Damageable interface {
	Damage(amount float32, kind string)
}

// Forceable is anything that can be pushed.
type Forceable interface {
	AddForce(v mgl32.Vec3, source string)
}

// Entity is a hit target in the world. The local player implements it
// directly; remote peers are represented by a Proxy.
type Entity interface {
	Damageable
	Forceable
}

// SendFunc delivers a packet body to one peer.
type SendFunc func(to protocol.PeerID, t protocol.PacketType, body protocol.Body)

// DamageScale converts locally dealt damage before it is sent.
type DamageScale func(kind string, amount float32) float32

// ForceScale is applied to impulses sent to a remote entity. The owner's
// physics would otherwise throw the player far harder than a local prop.
const ForceScale = 0.1

// Proxy stands in for a remote peer's entity. It never changes local
// state: every action becomes a packet to the owning peer, which decides
// the outcome.
type Proxy struct {
	Peer protocol.PeerID

	send  SendFunc
	scale DamageScale
}

var _ Entity = (*Proxy)(nil)

// Damage asks the owner to take damage.
func (p *Proxy) Damage(amount float32, kind string) {
	if p.scale != nil {
		amount = p.scale(kind, amount)
	}
	if p.send != nil {
		p.send(p.Peer, protocol.TypePlayerDamage, &protocol.Damage{Amount: amount, Kind: kind})
	}
}

// AddForce asks the owner to apply a scaled impulse.
func (p *Proxy) AddForce(v mgl32.Vec3, source string) {
	if p.send != nil {
		p.send(p.Peer, protocol.TypePlayerAddForce, &protocol.Force{Vector: v.Mul(ForceScale), Source: source})
	}
}
