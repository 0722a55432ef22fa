package internal

import (
	"github.com/lychee-technology/couchodm"
)

type identityKey struct {
	typeName string
	id       string
}

// IdentityMap maps (type, id) to the single managed instance of a session.
// It is owned by one unit of work and is not synchronized.
type IdentityMap struct {
	entries map[identityKey]couchodm.Document
}

// NewIdentityMap creates an empty identity map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[identityKey]couchodm.Document)}
}

// Register records doc under (typeName, id). Registering the same instance
// twice is a no-op; a different instance fails with DuplicateIdentity.
func (m *IdentityMap) Register(typeName, id string, doc couchodm.Document) error {
	key := identityKey{typeName: typeName, id: id}
	if existing, ok := m.entries[key]; ok {
		if existing == doc {
			return nil
		}
		return couchodm.NewDuplicateIdentityError(typeName, id)
	}
	m.entries[key] = doc
	return nil
}

// Lookup returns the managed instance for (typeName, id).
func (m *IdentityMap) Lookup(typeName, id string) (couchodm.Document, bool) {
	doc, ok := m.entries[identityKey{typeName: typeName, id: id}]
	return doc, ok
}

// Forget removes (typeName, id). Unknown keys are ignored.
func (m *IdentityMap) Forget(typeName, id string) {
	delete(m.entries, identityKey{typeName: typeName, id: id})
}

// Len returns the number of registered identities.
func (m *IdentityMap) Len() int {
	return len(m.entries)
}

// Clear removes every entry.
func (m *IdentityMap) Clear() {
	m.entries = make(map[identityKey]couchodm.Document)
}
