// Package storage implements the Bundle Storage Manager: the glue layer
// translating put(bundle_bytes, primary_block) and
// get_next_for_link(link_id) into segment-allocator, disk-writer-pool, and
// catalog calls, plus the restart-scan that reconstructs the catalog from
// the backing files after a restart.
package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtn-project/dtnd/internal/allocator"
	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/catalog"
	"github.com/dtn-project/dtnd/internal/diskpool"
	"github.com/dtn-project/dtnd/internal/logger"
	"github.com/dtn-project/dtnd/pkg/bufpool"
)

// ErrEmptyBundle is returned by Put for a zero-length bundle.
var ErrEmptyBundle = errors.New("storage: zero-length bundle rejected")

// Manager orchestrates the segment allocator, disk writer pool, and
// catalog behind the put/get_next_for_link/remove contract.
type Manager struct {
	alloc   *allocator.Allocator
	pool    *diskpool.Pool
	cat     *catalog.Catalog
	mu      sync.Mutex // not locked by any Manager method
	payloadPerSegment int
}

// RestartStats reports what the restart-scan recovered.
type RestartStats struct {
	BundlesRestored     uint64
	BytesRestored       uint64
	SegmentsRestored    uint64
	OrphanSegmentsFreed uint64
}

// New constructs a Manager over the given allocator, pool, and catalog.
// The three are constructed independently (by cmd/dtnd's wiring) so tests
// can substitute smaller instances of each.
func New(alloc *allocator.Allocator, pool *diskpool.Pool, cat *catalog.Catalog) *Manager {
	return &Manager{
		alloc:             alloc,
		pool:              pool,
		cat:               cat,
		payloadPerSegment: diskpool.PayloadLen(pool.SegmentSize()),
	}
}

// Put computes segment_count = ceil(len(body)/PAYLOAD_PER_SEGMENT),
// allocates that many segments in bulk, builds and catalogs the
// descriptor, then writes every segment, waiting for all writes to
// complete before returning. A bundle is durable iff Put returns nil.
func (m *Manager) Put(body []byte, pb *bundle.PrimaryBlock, custodyID uint64) (*catalog.Descriptor, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBundle
	}

	segCount := (len(body) + m.payloadPerSegment - 1) / m.payloadPerSegment
	segIDs, err := m.alloc.AllocateBulk(segCount)
	if err != nil {
		return nil, fmt.Errorf("storage: allocate %d segments: %w", segCount, err)
	}

	d := &catalog.Descriptor{
		EncodedSize:  uint64(len(body)),
		SegmentCount: segCount,
		FinalDest:    pb.DestEID(),
		Source:       pb.SourceEID(),
		Priority:     pb.Priority(),
		Expiration:   pb.AbsoluteExpiration(),
		WireVersion:  pb.Version,
		UUID:         pb.UUID(),
		CustodyID:    custodyID,
		SegmentIDs:   segIDs,
	}

	if !m.cat.CatalogIncoming(d, catalog.FIFO) {
		m.alloc.FreeBulk(segIDs)
		return nil, fmt.Errorf("storage: duplicate bundle uuid %s", d.UUID.NoFragmentKey())
	}

	if err := m.writeChain(segIDs, body, custodyID); err != nil {
		m.cat.Remove(custodyIDOrSynthetic(m.cat, d), false)
		m.alloc.FreeBulk(segIDs)
		return nil, err
	}
	logger.Debug("storage: bundle catalogued",
		logger.BundleUUID(d.UUID.Canonical().String()),
		logger.FinalDest(d.FinalDest.String()),
		logger.SegmentCount(d.SegmentCount))
	return d, nil
}

// custodyIDOrSynthetic returns the catalog key Put's rollback path must
// remove: the descriptor's own CustodyID when custody was requested, and
// otherwise the synthetic key the catalog stored under its uuid at
// insertion.
func custodyIDOrSynthetic(cat *catalog.Catalog, d *catalog.Descriptor) uint64 {
	if d.CustodyID != 0 {
		return d.CustodyID
	}
	id, _ := cat.CustodyIDForUUID(d.UUID)
	return id
}

// writeChain submits one WRITE job per segment, each pointing at the next
// segment in the chain (or the sentinel for the tail), and waits for every
// write to complete before returning.
func (m *Manager) writeChain(segIDs []uint32, body []byte, custodyID uint64) error {
	for i, segID := range segIDs {
		start := i * m.payloadPerSegment
		end := start + m.payloadPerSegment
		if end > len(body) {
			end = len(body)
		}
		next := diskpool.SentinelNext
		if i+1 < len(segIDs) {
			next = segIDs[i+1]
		}
		if err := m.pool.Write(segID, next, custodyID, i == 0, body[start:end]); err != nil {
			m.pool.MarkOffline(segID, err)
			return fmt.Errorf("storage: write segment %d: %w", segID, err)
		}
	}
	return nil
}

// GetNextForLink pops the earliest-expiring highest-priority descriptor
// for the given available destinations, reads its segment chain back from
// disk (honoring chain order, never segment_id order), and concatenates
// the payload portions into a contiguous bundle buffer.
func (m *Manager) GetNextForLink(availableDestinations []bundle.EID) ([]byte, *catalog.Descriptor, uint64, error) {
	d, custodyID := m.cat.PopForSend(availableDestinations)
	if d == nil {
		return nil, nil, 0, nil
	}

	out := make([]byte, 0, d.EncodedSize)
	remaining := int(d.EncodedSize)
	segID := d.SegmentIDs[0]
	for {
		seg, err := m.pool.Read(segID)
		if err != nil {
			m.pool.MarkOffline(segID, err)
			m.cat.ReturnToAwaitingSend(d, custodyID)
			return nil, nil, 0, fmt.Errorf("storage: read segment %d: %w", segID, err)
		}
		prefix := diskpool.DecodePrefix(seg)
		payload := seg[diskpool.PrefixLen():]
		take := len(payload)
		if take > remaining {
			take = remaining
		}
		out = append(out, payload[:take]...)
		remaining -= take
		next := prefix.Next
		bufpool.Put(seg)
		if next == diskpool.SentinelNext {
			break
		}
		segID = next
	}
	return out, d, custodyID, nil
}

// Remove erases the descriptor from the catalog, awaiting_send included,
// and then frees its segments, so the free occurs only after the
// descriptor is out of awaiting_send. Callers are a successful
// non-custodial send, a custody-signal receipt, and the expiry sweep.
func (m *Manager) Remove(custodyID uint64) error {
	d, ok := m.cat.GetByCustodyID(custodyID)
	if !ok {
		return fmt.Errorf("storage: remove: unknown custody id %d", custodyID)
	}
	found, _ := m.cat.Remove(custodyID, false)
	if !found {
		return fmt.Errorf("storage: remove: custody id %d vanished from catalog", custodyID)
	}
	m.alloc.FreeBulk(d.SegmentIDs)
	return nil
}

// ReturnToStorage re-catalogues a bundle handed back by egress on send
// failure, without re-allocating segments (they are already on disk).
func (m *Manager) ReturnToStorage(d *catalog.Descriptor, custodyID uint64) {
	m.cat.ReturnToAwaitingSend(d, custodyID)
}

// expirySweepIdleWait is the management thread's idle timed wait, matching
// the 250 ms figure so shutdown stays responsive even with no sweeping to
// do.
const expirySweepIdleWait = 250 * time.Millisecond

// expirySweepBatch bounds how many custody-ids get_expired returns per
// sweep, so one overdue backlog can't starve the idle wait indefinitely.
const expirySweepBatch = 256

// RunExpirySweep is the storage management thread's expiry-sweep duty: on
// every tick it reaps every catalogued descriptor whose expiration has
// passed, regardless of destination availability, freeing its segments and
// erasing it from the catalog. It runs until ctx is done.
func (m *Manager) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(expirySweepIdleWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpiredOnce()
		}
	}
}

func (m *Manager) sweepExpiredOnce() {
	now := bundle.Now()
	for {
		expired := m.cat.GetExpired(now, expirySweepBatch)
		if len(expired) == 0 {
			return
		}
		for _, custodyID := range expired {
			if err := m.Remove(custodyID); err != nil {
				logger.Error("storage: expiry sweep remove failed", logger.Err(err), logger.CustodyID(custodyID))
				continue
			}
			logger.Info("storage: expired bundle reaped", logger.CustodyID(custodyID))
		}
		if len(expired) < expirySweepBatch {
			return
		}
	}
}

// Checksum computes a stable SHA-256 fingerprint of the bundle bytes, used by
// the restart-scan test to verify that bundles read back after a restart
// match what was written before shutdown.
func Checksum(body []byte) [32]byte { return sha256.Sum256(body) }

// Catalog exposes the underlying catalog for callers (egress, custody
// engine, telemetry) that need direct index access beyond put/pop/remove.
func (m *Manager) Catalog() *catalog.Catalog { return m.cat }

// Allocator exposes the underlying allocator, primarily for telemetry.
func (m *Manager) Allocator() *allocator.Allocator { return m.alloc }

// logRestartSummary logs the restart-scan summary at info level.
func logRestartSummary(stats RestartStats) {
	logger.Info("storage: restart scan complete",
		logger.Count(int(stats.BundlesRestored)),
		logger.Bytes(int(stats.BytesRestored)),
		logger.SegmentCount(int(stats.SegmentsRestored)),
		logger.OrphanCount(int(stats.OrphanSegmentsFreed)))
}
