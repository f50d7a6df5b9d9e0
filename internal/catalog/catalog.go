package catalog

import (
	"sort"
	"sync"

	"github.com/dtn-project/dtnd/internal/bundle"
)

// bucket holds descriptors sharing a (destination, priority, expiration)
// key; insertion order within the bucket is governed by DuplicatePolicy.
type bucket struct {
	entries []*Descriptor
}

// destRow is the per-destination row of the awaiting_send index: one
// expiration-ordered map per priority class.
type destRow struct {
	// byPriority[p] maps expiration -> bucket. The map is unordered: pop
	// finds the lowest expiration by a linear scan (lowestKey), and the
	// expiry sweep sorts its candidates.
	byPriority [bundle.NumPriorities]map[uint64]*bucket
}

func newDestRow() *destRow {
	row := &destRow{}
	for p := range row.byPriority {
		row.byPriority[p] = make(map[uint64]*bucket)
	}
	return row
}

// Catalog is the authoritative in-memory index. No bundle bytes live here,
// only descriptors. A single coarse mutex guards awaiting_send,
// by_custody_id, and both uuid maps together, justified by the small
// critical sections and the need for multi-index atomicity — splitting it
// would reintroduce the torn-update races the single-mutex design avoids.
type Catalog struct {
	mu sync.Mutex

	awaitingSend map[bundle.EID]*destRow
	byCustodyID  map[uint64]*Descriptor
	byUUIDNoFrag map[string]uint64 // uuid (no fragment) -> custody id
	byUUIDFrag   map[string]uint64 // uuid (with fragment) -> custody id

	// synthetic custody ids handed to non-custodial descriptors so they
	// still have a unique key in byCustodyID; never exposed on the wire.
	nextSyntheticID uint64

	bundleCount       uint64
	byteCount         uint64
	lifetimeWrites    uint64
	lifetimeErases    uint64
	lifetimeByteWrite uint64
	lifetimeByteErase uint64
}

// New constructs an empty Catalog.
func New() *Catalog {
	return &Catalog{
		awaitingSend:    make(map[bundle.EID]*destRow),
		byCustodyID:     make(map[uint64]*Descriptor),
		byUUIDNoFrag:    make(map[string]uint64),
		byUUIDFrag:      make(map[string]uint64),
		nextSyntheticID: 1 << 62, // well above any real custody-id block range
	}
}

// CatalogIncoming inserts d into all applicable indices. policy governs
// placement within the (destination, priority, expiration) bucket. Returns
// false, under either policy, if d is not a fragment and its uuid is
// already present in the no-fragment uuid map (RFC-5050-style duplicate
// suppression).
func (c *Catalog) CatalogIncoming(d *Descriptor, policy DuplicatePolicy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	noFragKey := d.UUID.NoFragmentKey()
	if _, exists := c.byUUIDNoFrag[noFragKey]; exists && !d.UUID.IsFragment {
		return false
	}

	key := d.CustodyID
	if key == 0 {
		key = c.nextSyntheticID
		c.nextSyntheticID++
	}

	row, ok := c.awaitingSend[d.FinalDest]
	if !ok {
		row = newDestRow()
		c.awaitingSend[d.FinalDest] = row
	}
	byExp := row.byPriority[d.Priority]
	b, ok := byExp[d.Expiration]
	if !ok {
		b = &bucket{}
		byExp[d.Expiration] = b
	}
	if policy == LIFO {
		b.entries = append([]*Descriptor{d}, b.entries...)
	} else {
		b.entries = append(b.entries, d)
	}

	c.byCustodyID[key] = d
	c.byUUIDNoFrag[noFragKey] = key
	c.byUUIDFrag[d.UUID.FragmentKey()] = key

	c.bundleCount++
	c.byteCount += d.EncodedSize
	c.lifetimeWrites++
	c.lifetimeByteWrite += d.EncodedSize
	return true
}

// PopForSend scans availableDestinations in the caller's order; for each,
// walks priority highest-to-lowest then expiration ascending, returning the
// earliest-expiring highest-priority descriptor. The descriptor is removed
// from awaiting_send only — other indices retain it.
func (c *Catalog) PopForSend(availableDestinations []bundle.EID) (*Descriptor, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dest := range availableDestinations {
		row, ok := c.awaitingSend[dest]
		if !ok {
			continue
		}
		for p := bundle.NumPriorities - 1; p >= 0; p-- {
			byExp := row.byPriority[p]
			if len(byExp) == 0 {
				continue
			}
			exp := lowestKey(byExp)
			b := byExp[exp]
			d := b.entries[0]
			b.entries = b.entries[1:]
			if len(b.entries) == 0 {
				delete(byExp, exp)
			}
			custodyID := c.custodyKeyFor(d)
			return d, custodyID
		}
	}
	return nil, 0
}

// custodyKeyFor finds the authoritative byCustodyID key for d (its own
// CustodyID if custodial, or the synthetic key assigned at catalog time
// otherwise). Callers hold c.mu.
func (c *Catalog) custodyKeyFor(d *Descriptor) uint64 {
	if key, ok := c.byUUIDFrag[d.UUID.FragmentKey()]; ok {
		return key
	}
	return d.CustodyID
}

func lowestKey(m map[uint64]*bucket) uint64 {
	first := true
	var min uint64
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

// ReturnToAwaitingSend is the inverse of PopForSend for a send failure.
// Reinsertion places d at the head of its expiration bucket (LIFO) so it
// is retried next.
func (c *Catalog) ReturnToAwaitingSend(d *Descriptor, custodyID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row, ok := c.awaitingSend[d.FinalDest]
	if !ok {
		row = newDestRow()
		c.awaitingSend[d.FinalDest] = row
	}
	byExp := row.byPriority[d.Priority]
	b, ok := byExp[d.Expiration]
	if !ok {
		b = &bucket{}
		byExp[d.Expiration] = b
	}
	b.entries = append([]*Descriptor{d}, b.entries...)
}

// Remove erases the descriptor keyed by custodyID from by_custody_id, from
// awaiting_send if it is still queued there (an expired descriptor reaped
// by the sweep), and, unless keepUUID, from the uuid maps too. Intended for
// successful custody-signal receipt. Returns whether the entry was found and how many
// of by_custody_id and by_uuid_no_fragment it was removed from; the
// by_uuid_fragment entry is deleted alongside the latter but not counted.
func (c *Catalog) Remove(custodyID uint64, keepUUID bool) (found bool, numRemoved int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.byCustodyID[custodyID]
	if !ok {
		return false, 0
	}
	delete(c.byCustodyID, custodyID)
	numRemoved++

	if row, ok := c.awaitingSend[d.FinalDest]; ok {
		byExp := row.byPriority[d.Priority]
		if b, ok := byExp[d.Expiration]; ok {
			for i, e := range b.entries {
				if e == d {
					b.entries = append(b.entries[:i], b.entries[i+1:]...)
					break
				}
			}
			if len(b.entries) == 0 {
				delete(byExp, d.Expiration)
			}
		}
	}

	if !keepUUID {
		if _, ok := c.byUUIDNoFrag[d.UUID.NoFragmentKey()]; ok {
			delete(c.byUUIDNoFrag, d.UUID.NoFragmentKey())
			numRemoved++
		}
		delete(c.byUUIDFrag, d.UUID.FragmentKey())
	}

	c.bundleCount--
	c.byteCount -= d.EncodedSize
	c.lifetimeErases++
	c.lifetimeByteErase += d.EncodedSize
	return true, numRemoved
}

// GetByCustodyID looks up a descriptor without removing it from any index.
func (c *Catalog) GetByCustodyID(custodyID uint64) (*Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byCustodyID[custodyID]
	return d, ok
}

// CustodyIDForUUID resolves a non-fragmented bundle-uuid to its custody id,
// for RFC-5050-style custody-signal matching.
func (c *Catalog) CustodyIDForUUID(u bundle.UUID) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byUUIDNoFrag[u.NoFragmentKey()]
	return id, ok
}

// expiredEntry pairs a custody id with its expiration for sweep ordering.
type expiredEntry struct {
	custodyID  uint64
	expiration uint64
}

// GetExpired sweeps expiration-ordered maps across all destinations and
// priorities, gathering up to maxCount custody-ids whose expiration ≤ now,
// in ascending expiration order.
func (c *Catalog) GetExpired(now uint64, maxCount int) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []expiredEntry
	for _, row := range c.awaitingSend {
		for p := 0; p < bundle.NumPriorities; p++ {
			for exp, b := range row.byPriority[p] {
				if exp > now {
					continue
				}
				for _, d := range b.entries {
					candidates = append(candidates, expiredEntry{
						custodyID:  c.custodyKeyFor(d),
						expiration: exp,
					})
				}
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiration < candidates[j].expiration
	})
	if maxCount >= 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	out := make([]uint64, len(candidates))
	for i, e := range candidates {
		out[i] = e.custodyID
	}
	return out
}

// Counters snapshot reports catalog sizing and lifetime counters, used for
// telemetry and test assertions.
type Counters struct {
	BundleCount       uint64
	ByteCount         uint64
	LifetimeWrites    uint64
	LifetimeErases    uint64
	LifetimeByteWrite uint64
	LifetimeByteErase uint64
}

// Stats returns a point-in-time snapshot of the catalog's counters.
func (c *Catalog) Stats() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		BundleCount:       c.bundleCount,
		ByteCount:         c.byteCount,
		LifetimeWrites:    c.lifetimeWrites,
		LifetimeErases:    c.lifetimeErases,
		LifetimeByteWrite: c.lifetimeByteWrite,
		LifetimeByteErase: c.lifetimeByteErase,
	}
}
