package storage

import (
	"fmt"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/catalog"
	"github.com/dtn-project/dtnd/internal/diskpool"
	"github.com/dtn-project/dtnd/internal/logger"
)

type scannedSegment struct {
	prefix  diskpool.Prefix
	payload []byte
}

// RestartScan reconstructs the catalog from the backing files: with the
// allocator's bitmap starting fully free, it sequentially reads every
// segment of every backing file, marks each in-use segment allocated, and
// threads chain-head segments (identified by the head flag in their
// prefix) into reconstructed descriptors. The bundle bytes themselves
// carry the encoded primary block at their start, so the reconstructed
// body is decoded to recover destination, priority, and expiration — the
// same pure decode used on the ingress path. Must be idempotent: re-running
// it against the same files reconstructs the same catalog.
func (m *Manager) RestartScan() (RestartStats, error) {
	segments := make(map[uint32]scannedSegment)
	if err := m.pool.ScanAll(func(segmentID uint32, prefix diskpool.Prefix, payload []byte) {
		segments[segmentID] = scannedSegment{prefix: prefix, payload: payload}
	}); err != nil {
		return RestartStats{}, fmt.Errorf("storage: scan backing files: %w", err)
	}

	var stats RestartStats
	claimed := make(map[uint32]bool, len(segments))
	for segID, seg := range segments {
		if err := m.alloc.MarkUsed(segID); err != nil {
			return stats, fmt.Errorf("storage: restart scan: %w", err)
		}
		stats.SegmentsRestored++
		if !seg.prefix.IsHead {
			continue
		}

		chain := []uint32{segID}
		body := make([]byte, 0, len(seg.payload))
		body = append(body, seg.payload...)
		next := seg.prefix.Next
		for next != diskpool.SentinelNext {
			nseg, ok := segments[next]
			if !ok {
				return stats, fmt.Errorf("storage: restart scan: chain from head %d broken at %d", segID, next)
			}
			chain = append(chain, next)
			body = append(body, nseg.payload...)
			next = nseg.prefix.Next
		}

		pb, _, err := bundle.Decode(body)
		if err != nil {
			return stats, fmt.Errorf("storage: restart scan: decode reconstructed bundle head %d: %w", segID, err)
		}
		trimmed := body
		if pb.DataLength > 0 && int(pb.DataLength) <= len(body) {
			trimmed = body[:pb.DataLength]
		}

		d := &catalog.Descriptor{
			EncodedSize:  uint64(len(trimmed)),
			SegmentCount: len(chain),
			FinalDest:    pb.DestEID(),
			Source:       pb.SourceEID(),
			Priority:     pb.Priority(),
			Expiration:   pb.AbsoluteExpiration(),
			WireVersion:  pb.Version,
			UUID:         pb.UUID(),
			CustodyID:    seg.prefix.CustodyID,
			SegmentIDs:   chain,
		}
		if !m.cat.CatalogIncoming(d, catalog.FIFO) {
			return stats, fmt.Errorf("storage: restart scan: duplicate uuid reconstructing head %d", segID)
		}
		stats.BundlesRestored++
		stats.BytesRestored += d.EncodedSize
		for _, claimedID := range chain {
			claimed[claimedID] = true
		}
	}

	for segID := range segments {
		if claimed[segID] {
			continue
		}
		// Marked allocated by the scan above but unreachable from any
		// reconstructed chain head: a write that completed its segment(s)
		// but never got its head segment written, or a head whose tail was
		// already freed. No non-fatal recovery keeps it allocated.
		if err := m.alloc.Free(segID); err != nil {
			return stats, fmt.Errorf("storage: restart scan: free orphan segment %d: %w", segID, err)
		}
		logger.Warn("storage: orphan segment freed on restart scan", logger.SegmentID(segID))
		stats.OrphanSegmentsFreed++
	}

	logRestartSummary(stats)
	return stats, nil
}
