// Package admission implements ingress admission: for each received
// bundle, decode its primary block, decide cut-through-to-egress vs.
// store-and-forward-to-storage, and apply per-destination backpressure.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/contact"
	"github.com/dtn-project/dtnd/internal/logger"
)

// Decision reports what Admit chose to do with a bundle.
type Decision int

const (
	DecisionCutThrough Decision = iota
	DecisionStore
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionCutThrough:
		return "cut_through"
	case DecisionStore:
		return "store"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Errors surfaced by Admit. All are locally recovered by the caller
// (cut-through falls back to store, store falls back to drop); Admit never
// panics or escalates these.
var (
	ErrTooLarge         = errors.New("admission: bundle exceeds max_bundle_size_bytes")
	ErrMalformed        = errors.New("admission: primary block decode failed")
	ErrBackpressureDrop = errors.New("admission: dropped after backpressure timeout")
)

// Config holds the admission-tunable options recognized from the node's
// configuration record.
type Config struct {
	MaxBundleSizeBytes     uint64
	MaxIngressWaitOnEgress time.Duration
	MaxPendingAcksPerPath  int
	CutThroughOnly         bool // test mode: drop on backpressure instead of falling back to store
}

// LocalCustodianEID identifies this node's own custody endpoint; admin
// records addressed here unconditionally take the storage path regardless
// of link state or cut-through-only mode (§9 open question, resolved).
type LocalCustodianEID = bundle.EID

// pendingAckGauge tracks in-flight handoffs per destination; the Admitter
// keeps one gauge for the cut-through path and one for the store path. A
// single mutex and condition variable serve every destination of a gauge:
// each decrement wakes all waiters, and each waiter rechecks its own
// destination's count.
type pendingAckGauge struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count map[bundle.EID]int
}

func newPendingAckGauge() *pendingAckGauge {
	g := &pendingAckGauge{count: make(map[bundle.EID]int)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *pendingAckGauge) inc(dest bundle.EID) {
	g.mu.Lock()
	g.count[dest]++
	g.mu.Unlock()
}

func (g *pendingAckGauge) dec(dest bundle.EID) {
	g.mu.Lock()
	g.count[dest]--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// waitBelow blocks (up to timeout) until count[dest] < limit, returning
// false on timeout. A zero timeout never blocks: it tests the condition
// once and returns immediately, matching the "never block" semantics
// mandated for max_ingress_wait_on_egress_ms = 0.
func (g *pendingAckGauge) waitBelow(dest bundle.EID, limit int, timeout time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count[dest] < limit {
		return true
	}
	if timeout <= 0 {
		return false
	}

	deadline := time.Now().Add(timeout)
	for g.count[dest] >= limit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() { g.mu.Lock(); g.cond.Broadcast(); g.mu.Unlock() })
		g.cond.Wait()
		timer.Stop()
	}
	return true
}

// StoreFunc hands a bundle to the storage manager's put path.
type StoreFunc func(body []byte, pb *bundle.PrimaryBlock) error

// CutThroughFunc hands a bundle directly to egress dispatch.
type CutThroughFunc func(body []byte, pb *bundle.PrimaryBlock) error

// Admitter runs the admission decision procedure per §4.5.
type Admitter struct {
	cfg       Config
	local     LocalCustodianEID
	available *contact.AvailableSet

	storeAcks *pendingAckGauge
	cutAcks   *pendingAckGauge

	store      StoreFunc
	cutThrough CutThroughFunc

	nextUniqueID uint64
	uniqueIDMu   sync.Mutex

	droppedTotal atomic.Uint64
}

// New constructs an Admitter.
func New(cfg Config, local LocalCustodianEID, available *contact.AvailableSet, store StoreFunc, cutThrough CutThroughFunc) *Admitter {
	return &Admitter{
		cfg:        cfg,
		local:      local,
		available:  available,
		storeAcks:  newPendingAckGauge(),
		cutAcks:    newPendingAckGauge(),
		store:      store,
		cutThrough: cutThrough,
	}
}

// Admit decodes raw, runs the admission decision procedure, and returns
// the unique_id assigned to this handoff plus the decision actually taken
// (which may differ from the initial choice after a backpressure
// fallback).
func (a *Admitter) Admit(ctx context.Context, raw []byte) (uniqueID uint64, decision Decision, err error) {
	if uint64(len(raw)) > a.cfg.MaxBundleSizeBytes {
		a.droppedTotal.Add(1)
		return 0, DecisionDrop, ErrTooLarge
	}

	pb, _, derr := bundle.Decode(raw)
	if derr != nil {
		a.droppedTotal.Add(1)
		return 0, DecisionDrop, fmt.Errorf("%w: %v", ErrMalformed, derr)
	}

	uniqueID = a.allocateUniqueID()
	dest := pb.DestEID()

	// Admin records addressed to this node's custody endpoint always go
	// to storage, regardless of link state or cut-through-only mode: they
	// signal decatalog and must not be droppable by a test-mode shortcut.
	if pb.IsAdminRecord() && dest == a.local {
		return uniqueID, a.storeWithBackpressure(ctx, raw, pb, dest, uniqueID)
	}

	cutThroughCandidate := a.available.IsOpen(dest) && !pb.CustodyRequested() && !pb.IsAdminRecord()
	if cutThroughCandidate {
		d, serr := a.cutThroughWithBackpressure(ctx, raw, pb, dest, uniqueID)
		if serr == nil {
			return uniqueID, d, nil
		}
		if a.cfg.CutThroughOnly {
			a.droppedTotal.Add(1)
			logger.Error("admission: cut-through-only mode dropped bundle after backpressure", logger.UniqueID(uniqueID), logger.Err(serr))
			return uniqueID, DecisionDrop, ErrBackpressureDrop
		}
		// fall back to store
	}

	return uniqueID, a.storeWithBackpressure(ctx, raw, pb, dest, uniqueID)
}

func (a *Admitter) allocateUniqueID() uint64 {
	a.uniqueIDMu.Lock()
	defer a.uniqueIDMu.Unlock()
	a.nextUniqueID++
	return a.nextUniqueID
}

func (a *Admitter) cutThroughWithBackpressure(ctx context.Context, raw []byte, pb *bundle.PrimaryBlock, dest bundle.EID, uniqueID uint64) (Decision, error) {
	if !a.cutAcks.waitBelow(dest, a.cfg.MaxPendingAcksPerPath, a.cfg.MaxIngressWaitOnEgress) {
		return DecisionDrop, fmt.Errorf("admission: cut-through backpressure timeout for %s", dest)
	}
	a.cutAcks.inc(dest)
	if err := a.cutThrough(raw, pb); err != nil {
		a.cutAcks.dec(dest)
		return DecisionDrop, err
	}
	return DecisionCutThrough, nil
}

func (a *Admitter) storeWithBackpressure(ctx context.Context, raw []byte, pb *bundle.PrimaryBlock, dest bundle.EID, uniqueID uint64) (Decision, error) {
	if !a.storeAcks.waitBelow(dest, a.cfg.MaxPendingAcksPerPath, a.cfg.MaxIngressWaitOnEgress) {
		a.droppedTotal.Add(1)
		logger.Error("admission: dropped after store backpressure timeout", logger.UniqueID(uniqueID), logger.FinalDest(dest.String()))
		return DecisionDrop, ErrBackpressureDrop
	}
	a.storeAcks.inc(dest)
	if err := a.store(raw, pb); err != nil {
		a.storeAcks.dec(dest)
		return DecisionDrop, err
	}
	return DecisionStore, nil
}

// AckCutThrough and AckStore are called by the ack-reader loop when
// egress/storage returns completes, unblocking any ingress thread waiting
// on pending-ack space for that destination.
func (a *Admitter) AckCutThrough(dest bundle.EID) { a.cutAcks.dec(dest) }
func (a *Admitter) AckStore(dest bundle.EID)       { a.storeAcks.dec(dest) }

// DroppedTotal returns the lifetime count of bundles dropped by this
// admitter (size cap, malformed decode, or backpressure timeout).
func (a *Admitter) DroppedTotal() uint64 { return a.droppedTotal.Load() }
