// Package remote manages the lifetime of remote peers' entities: the
// synchronizer record and the game-side visual that renders it.
package remote

import (
	"fmt"
	"slices"

	"github.com/1ureka/mpmesh/internal/motion"
	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/util"
)

// Visual is the game-side representation of a remote entity.
type Visual interface {
	Sync(tr motion.Transform)
	SetTag(text string)
	Destroy()
}

// VisualFactory builds the visual for a newly created entity. It may
// return nil for headless peers.
type VisualFactory func(id protocol.PeerID) Visual

// Entry is one managed remote entity.
type Entry struct {
	Peer   protocol.PeerID
	Tag    string
	Visual Visual
	Proxy  *Proxy
	Entity *motion.Entity
}

// Manager creates and destroys remote entities. It never moves them; the
// synchronizer does.
type Manager struct {
	sync    *motion.Synchronizer
	factory VisualFactory
	send    SendFunc
	scale   DamageScale
	entries map[protocol.PeerID]*Entry
}

// NewManager returns a Manager over sync. send carries proxy actions to
// the owning peer after scale adjusts outgoing damage.
func NewManager(sync *motion.Synchronizer, factory VisualFactory, send SendFunc, scale DamageScale) *Manager {
	return &Manager{
		sync:    sync,
		factory: factory,
		send:    send,
		scale:   scale,
		entries: make(map[protocol.PeerID]*Entry),
	}
}

// Create returns the entry for id, creating it on first use.
func (m *Manager) Create(id protocol.PeerID) *Entry {
	if e, ok := m.entries[id]; ok {
		return e
	}

	e := &Entry{
		Peer:   id,
		Proxy:  &Proxy{Peer: id, send: m.send, scale: m.scale},
		Entity: m.sync.Track(id),
	}
	if m.factory != nil {
		e.Visual = m.factory(id)
	}
	m.entries[id] = e

	util.LogDebug("created remote entity %s", id)
	return e
}

// Remove destroys the entity for id. Removing an unknown id does nothing.
func (m *Manager) Remove(id protocol.PeerID) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.Visual != nil {
		e.Visual.Destroy()
	}
	m.sync.Untrack(id)
	delete(m.entries, id)

	util.LogDebug("removed remote entity %s", id)
}

// ResetAll destroys every entity.
func (m *Manager) ResetAll() {
	for _, id := range m.IDs() {
		m.Remove(id)
	}
	m.sync.Reset()
}

// Get returns the entry for id.
func (m *Manager) Get(id protocol.PeerID) (*Entry, bool) {
	e, ok := m.entries[id]
	return e, ok
}

// IDs returns every managed peer in ascending order.
func (m *Manager) IDs() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of managed entities.
func (m *Manager) Len() int { return len(m.entries) }

// SetTag updates the name tag shown above id.
func (m *Manager) SetTag(id protocol.PeerID, text string) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", motion.ErrUnknownPeer, id)
	}
	e.Tag = text
	if e.Visual != nil {
		e.Visual.SetTag(text)
	}
	return nil
}

// FindBySuffix resolves a decimal id suffix to exactly one managed peer.
func (m *Manager) FindBySuffix(suffix uint64) (protocol.PeerID, error) {
	matches := util.MatchSuffix(m.IDs(), suffix)
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no player id ends with %d", suffix)
	case 1:
		return matches[0], nil
	}
	return 0, fmt.Errorf("%d players match suffix %d: %v", len(matches), suffix, matches)
}

// Render pushes every entity's current pose to its visual.
func (m *Manager) Render() {
	for _, e := range m.entries {
		if e.Visual != nil {
			e.Visual.Sync(e.Entity.Transform())
		}
	}
}
