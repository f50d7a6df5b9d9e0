// Package catalog implements the authoritative in-memory index of
// catalogued bundle descriptors: the awaiting-send queues keyed by
// destination/priority/expiration, the custody-id map, and the two
// uuid maps used for duplicate detection and custody-signal matching.
package catalog

import (
	"github.com/dtn-project/dtnd/internal/bundle"
)

// DuplicatePolicy governs placement within a (destination, priority,
// expiration) bucket that already holds other descriptors. A repeated
// non-fragment uuid is rejected by CatalogIncoming under either policy.
type DuplicatePolicy int

const (
	// FIFO places the incoming descriptor at the tail of its bucket.
	FIFO DuplicatePolicy = iota
	// LIFO places the incoming descriptor at the head of its bucket; also
	// used internally by ReturnToAwaitingSend so a returned send-failure
	// retries next.
	LIFO
)

// Descriptor is the catalog's indexed unit: everything needed to locate
// and re-read a stored bundle, but never the bundle bytes themselves.
type Descriptor struct {
	EncodedSize  uint64
	SegmentCount int
	FinalDest    bundle.EID
	Source       bundle.EID
	Priority     bundle.Priority
	Expiration   uint64 // absolute, seconds since the fixed epoch
	WireVersion  bundle.WireVersion
	UUID         bundle.UUID
	CustodyID    uint64 // 0 iff custody was not requested
	SegmentIDs   []uint32
}

// HasCustody reports whether this descriptor is custodial.
func (d *Descriptor) HasCustody() bool { return d.CustodyID != 0 }
