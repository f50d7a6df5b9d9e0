package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the node.
// Keep these consistent so log aggregation/querying works across
// the allocator, writer pool, catalog, storage manager, admission,
// dispatch, custody engine, and release controller.
const (
	// Bundle identity
	KeyBundleUUID  = "bundle_uuid"
	KeyCustodyID   = "custody_id"
	KeyFinalDest   = "final_dest"
	KeySourceEID   = "source_eid"
	KeyPriority    = "priority"
	KeyExpiration  = "expiration"
	KeyWireVersion = "wire_version"

	// Storage / segments
	KeySegmentID    = "segment_id"
	KeySegmentCount = "segment_count"
	KeyWorkerID     = "worker_id"
	KeyBytes        = "bytes"
	KeyFreeCount    = "free_count"
	KeyOrphanCount  = "orphan_count"

	// Admission / dispatch
	KeyLink         = "link"
	KeyOutduct      = "outduct"
	KeyCutThrough   = "cut_through"
	KeyUniqueID     = "unique_id"
	KeyQueueDepth   = "queue_depth"
	KeyDropReason   = "drop_reason"
	KeyWaitMs       = "wait_ms"
	KeyDurationMs   = "duration_ms"
	KeyError        = "error"
	KeyCount        = "count"
	KeyAggregated   = "aggregated"
	KeyDestinations = "destinations"
)

// BundleUUID returns a slog.Attr for a bundle's uuid string form.
func BundleUUID(id string) slog.Attr { return slog.String(KeyBundleUUID, id) }

// CustodyID returns a slog.Attr for a custody id.
func CustodyID(id uint64) slog.Attr { return slog.Uint64(KeyCustodyID, id) }

// FinalDest returns a slog.Attr for a bundle's final-destination endpoint.
func FinalDest(eid string) slog.Attr { return slog.String(KeyFinalDest, eid) }

// SourceEID returns a slog.Attr for a bundle's source endpoint.
func SourceEID(eid string) slog.Attr { return slog.String(KeySourceEID, eid) }

// Priority returns a slog.Attr for a bundle's priority class.
func Priority(p int) slog.Attr { return slog.Int(KeyPriority, p) }

// Expiration returns a slog.Attr for an absolute expiration (unix seconds).
func Expiration(t int64) slog.Attr { return slog.Int64(KeyExpiration, t) }

// SegmentID returns a slog.Attr for a segment id.
func SegmentID(id uint32) slog.Attr { return slog.Uint64(KeySegmentID, uint64(id)) }

// SegmentCount returns a slog.Attr for a descriptor's segment count.
func SegmentCount(n int) slog.Attr { return slog.Int(KeySegmentCount, n) }

// WorkerID returns a slog.Attr for the disk-writer worker index.
func WorkerID(id int) slog.Attr { return slog.Int(KeyWorkerID, id) }

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int) slog.Attr { return slog.Int(KeyBytes, n) }

// FreeCount returns a slog.Attr for the allocator's free-segment count.
func FreeCount(n uint64) slog.Attr { return slog.Uint64(KeyFreeCount, n) }

// OrphanCount returns a slog.Attr for the number of orphan segments freed
// by a restart scan.
func OrphanCount(n int) slog.Attr { return slog.Int(KeyOrphanCount, n) }

// Link returns a slog.Attr for a link/destination identifier.
func Link(id string) slog.Attr { return slog.String(KeyLink, id) }

// Outduct returns a slog.Attr for an outduct identifier.
func Outduct(id string) slog.Attr { return slog.String(KeyOutduct, id) }

// CutThrough returns a slog.Attr indicating cut-through vs. store-and-forward.
func CutThrough(v bool) slog.Attr { return slog.Bool(KeyCutThrough, v) }

// UniqueID returns a slog.Attr for an ingress handoff's unique id.
func UniqueID(id uint64) slog.Attr { return slog.Uint64(KeyUniqueID, id) }

// QueueDepth returns a slog.Attr for a queue's current depth.
func QueueDepth(n int) slog.Attr { return slog.Int(KeyQueueDepth, n) }

// DropReason returns a slog.Attr describing why a bundle was dropped.
func DropReason(reason string) slog.Attr { return slog.String(KeyDropReason, reason) }

// WaitMs returns a slog.Attr for a wait duration in milliseconds.
func WaitMs(ms int64) slog.Attr { return slog.Int64(KeyWaitMs, ms) }

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error, or a no-op attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Count returns a slog.Attr for a generic count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// Aggregated returns a slog.Attr indicating an aggregated custody signal.
func Aggregated(v bool) slog.Attr { return slog.Bool(KeyAggregated, v) }

// Handle returns a slog.Attr for an opaque identifier rendered as hex.
func Handle(h []byte) slog.Attr { return slog.String("handle", fmt.Sprintf("%x", h)) }
