package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/catalog"
	"github.com/dtn-project/dtnd/internal/logger"
)

// SignalKind distinguishes the two custody-signal wire forms.
type SignalKind uint8

const (
	// SignalPerBundle is a wire-v6 administrative record acknowledging
	// custody for exactly one bundle-uuid.
	SignalPerBundle SignalKind = iota
	// SignalAggregated (ACS) carries runs of custody-ids encoded as
	// (offset, length) reception claims against a lower bound.
	SignalAggregated
)

// Claim is one (offset, length) reception-claim run within an aggregated
// custody signal, relative to LowerBound.
type Claim struct {
	Offset uint64
	Length uint64
}

// PerBundleSignal matches a classic per-bundle custody acknowledgment
// against a bundle-uuid rather than a numeric custody-id, per RFC 5050.
type PerBundleSignal struct {
	UUID    bundle.UUID
	Accepted bool
}

// AggregatedSignal (ACS) reports the fate of every id covered by its
// claims, each relative to LowerBound. Succeeded mirrors the original
// ACS's leading status-flags-plus-reason-code byte: true for an accepted
// claim run, false for a refused one. Either way the covered ids are done
// with this node's custody and are decatalogued; only a succeeded claim
// means the next custodian now holds custody, so only then is it safe to
// treat the transfer as complete rather than a rejection to stop retrying.
type AggregatedSignal struct {
	LowerBound uint64
	Succeeded  bool
	Claims     []Claim
}

// Engine is a thin layer over the catalog providing custody-id allocation
// and custody-signal matching.
type Engine struct {
	ids *IDAllocator
	cat *catalog.Catalog
}

// NewEngine constructs a custody Engine bound to the given catalog, with an
// in-memory-only id allocator.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{ids: NewIDAllocator(), cat: cat}
}

// NewEngineWithStore constructs a custody Engine whose id allocator persists
// its per-source block cursor and free-list to store, surviving restarts.
func NewEngineWithStore(cat *catalog.Catalog, store *Store) (*Engine, error) {
	ids, err := NewIDAllocatorWithStore(store)
	if err != nil {
		return nil, err
	}
	return &Engine{ids: ids, cat: cat}, nil
}

// AllocateCustodyID assigns a fresh custody id for a bundle originating at
// source, to be recorded in the descriptor catalogued for it.
func (e *Engine) AllocateCustodyID(source bundle.EID) uint64 {
	return e.ids.Allocate(source)
}

// HandlePerBundle matches a per-bundle custody signal against
// by_uuid_no_fragment and removes the matched descriptor from the catalog
// regardless of whether custody was accepted or refused: a refused
// signal means the next custodian rejected the bundle and it must not be
// retried against it, so this node's custody of it ends either way. An
// unmatched uuid is logged at info level and discarded — not an error,
// per the custody-signal-for-unknown-uuid error kind.
func (e *Engine) HandlePerBundle(sig PerBundleSignal) {
	custodyID, ok := e.cat.CustodyIDForUUID(sig.UUID)
	if !ok {
		logger.Info("custody: per-bundle signal for unknown uuid discarded",
			logger.BundleUUID(sig.UUID.NoFragmentKey()))
		return
	}
	if d, found := e.cat.GetByCustodyID(custodyID); found {
		e.ids.Retire(d.Source, custodyID)
	}
	e.cat.Remove(custodyID, false)
	if !sig.Accepted {
		logger.Info("custody: per-bundle signal refused, bundle decatalogued",
			logger.BundleUUID(sig.UUID.NoFragmentKey()), logger.CustodyID(custodyID))
	}
}

// HandleAggregated performs catalog.Remove for every id covered by sig's
// claims, whether the claim run is succeeded or refused — a refused claim
// also decatalogs, since the bundle was rejected by the next custodian and
// must not be retried against it. Unknown ids within a claimed run are
// skipped silently, matching the per-bundle unknown-uuid tolerance.
func (e *Engine) HandleAggregated(sig AggregatedSignal) (removed int) {
	for _, claim := range sig.Claims {
		for i := uint64(0); i < claim.Length; i++ {
			id := sig.LowerBound + claim.Offset + i
			if d, found := e.cat.GetByCustodyID(id); found {
				e.ids.Retire(d.Source, id)
				if found, _ := e.cat.Remove(id, false); found {
					removed++
				}
			} else {
				logger.Info("custody: aggregated signal covers unknown custody id",
					logger.CustodyID(id), logger.Aggregated(true))
			}
		}
	}
	if !sig.Succeeded {
		logger.Info("custody: aggregated signal refused, bundles decatalogued",
			logger.Count(removed), logger.Aggregated(true))
	}
	return removed
}

// statusSucceededBit is the top bit of the leading status-flags byte,
// mirroring the original ACS's m_statusFlagsPlus7bitReasonCode: bit 7 is
// the succeeded/refused flag, the low 7 bits are a reason code this
// implementation doesn't interpret and always writes as 0.
const statusSucceededBit = 0x80

// EncodeAggregated renders sig as a compact wire form: a leading status
// byte (succeeded flag in the top bit), then the lower bound followed by a
// count-prefixed run of (offset, length) varint pairs. The varint run
// mirrors the density goal that motivated the per-source block-of-256
// allocation strategy — contiguous custody ids collapse into few runs.
func EncodeAggregated(sig AggregatedSignal) []byte {
	buf := make([]byte, 0, 17+len(sig.Claims)*16)
	var status byte
	if sig.Succeeded {
		status |= statusSucceededBit
	}
	buf = append(buf, status)
	scratch := make([]byte, binary.MaxVarintLen64)
	putV := func(v uint64) {
		n := binary.PutUvarint(scratch, v)
		buf = append(buf, scratch[:n]...)
	}
	putV(sig.LowerBound)
	putV(uint64(len(sig.Claims)))
	for _, c := range sig.Claims {
		putV(c.Offset)
		putV(c.Length)
	}
	return buf
}

// DecodeAggregated parses the wire form produced by EncodeAggregated.
func DecodeAggregated(buf []byte) (AggregatedSignal, error) {
	if len(buf) < 1 {
		return AggregatedSignal{}, fmt.Errorf("custody: malformed aggregated signal: empty payload")
	}
	status := buf[0]
	off := 1
	getV := func() (uint64, error) {
		v, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return 0, fmt.Errorf("custody: malformed aggregated signal")
		}
		off += n
		return v, nil
	}
	sig := AggregatedSignal{Succeeded: status&statusSucceededBit != 0}
	var err error
	if sig.LowerBound, err = getV(); err != nil {
		return sig, err
	}
	n, err := getV()
	if err != nil {
		return sig, err
	}
	sig.Claims = make([]Claim, n)
	for i := range sig.Claims {
		if sig.Claims[i].Offset, err = getV(); err != nil {
			return sig, err
		}
		if sig.Claims[i].Length, err = getV(); err != nil {
			return sig, err
		}
	}
	return sig, nil
}
