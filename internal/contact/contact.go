// Package contact implements the contact-driven release controller: it
// consumes LINK_UP / LINK_DOWN events from the scheduler collaborator over
// the message bus and maintains the available-destinations set read by
// ingress admission (to choose cut-through) and by storage release.
package contact

import (
	"sync"

	"github.com/dtn-project/dtnd/internal/bundle"
)

// AvailableSet is the set of endpoint-ids for which a contact is currently
// open. Safe for concurrent reads and writes.
type AvailableSet struct {
	mu   sync.RWMutex
	open map[bundle.EID]struct{}
}

// NewAvailableSet constructs an empty AvailableSet.
func NewAvailableSet() *AvailableSet {
	return &AvailableSet{open: make(map[bundle.EID]struct{})}
}

// Add marks dest as reachable.
func (s *AvailableSet) Add(dest bundle.EID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[dest] = struct{}{}
}

// Remove marks dest as unreachable.
func (s *AvailableSet) Remove(dest bundle.EID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, dest)
}

// IsOpen reports whether dest currently has an open contact.
func (s *AvailableSet) IsOpen(dest bundle.EID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.open[dest]
	return ok
}

// Snapshot returns the currently open destinations in no particular order.
// Callers that need a priority order (e.g. PopForSend) must impose their
// own ordering on top of this.
func (s *AvailableSet) Snapshot() []bundle.EID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bundle.EID, 0, len(s.open))
	for d := range s.open {
		out = append(out, d)
	}
	return out
}
