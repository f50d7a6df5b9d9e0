// Package custody implements the custody engine: a thin layer over the
// catalog that allocates custody ids in per-source blocks of 256
// contiguous values (so CTEB/ACS aggregation compresses well) and matches
// incoming custody signals — both per-bundle and aggregated (ACS) — against
// the catalog's uuid index.
package custody

import (
	"sort"
	"sync"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/logger"
)

// blockSize is the number of contiguous custody ids handed out per
// allocation block. A compression decision, not a correctness one: any
// monotonic allocator would be correct but would produce longer ACS
// payloads.
const blockSize = 256

// idRange is an inclusive [Low, High] range of retired (freed) ids.
type idRange struct {
	Low, High uint64
}

// sourceState tracks one source endpoint's current allocation block and
// its free-list of retired ranges.
type sourceState struct {
	nextID   uint64 // next id to hand out within the current block
	blockEnd uint64 // one past the last id in the current block
	freeList []idRange
}

// IDAllocator allocates 64-bit monotonically increasing custody ids in
// per-source-endpoint blocks of 256. When constructed with a Store, every
// block rollover and retirement is persisted so a restart never reissues an
// id still in flight with a downstream custodian.
type IDAllocator struct {
	mu            sync.Mutex
	sources       map[bundle.EID]*sourceState
	nextBlockBase uint64
	store         *Store
}

// NewIDAllocator constructs an in-memory-only allocator with blocks
// starting at 1 (0 is reserved to mean "no custody requested").
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{sources: make(map[bundle.EID]*sourceState), nextBlockBase: 1}
}

// NewIDAllocatorWithStore rehydrates an allocator from store's persisted
// per-source state, then persists every subsequent block rollover and
// retirement back to it.
func NewIDAllocatorWithStore(store *Store) (*IDAllocator, error) {
	sources, nextBlockBase, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	if nextBlockBase < 1 {
		nextBlockBase = 1
	}
	return &IDAllocator{sources: sources, nextBlockBase: nextBlockBase, store: store}, nil
}

// Allocate returns the next custody id for source, drawing from the
// source's free-list first (lowest retired id first) and otherwise
// advancing the source's current block, opening a fresh block of 256 when
// exhausted.
func (a *IDAllocator) Allocate(source bundle.EID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sources[source]
	if !ok {
		st = &sourceState{}
		a.sources[source] = st
		a.openNewBlock(st)
	}

	if len(st.freeList) > 0 {
		r := st.freeList[0]
		id := r.Low
		if r.Low == r.High {
			st.freeList = st.freeList[1:]
		} else {
			st.freeList[0].Low++
		}
		a.persist(source, st)
		return id
	}

	if st.nextID >= st.blockEnd {
		a.openNewBlock(st)
	}
	id := st.nextID
	st.nextID++
	a.persist(source, st)
	return id
}

// openNewBlock assigns st a fresh contiguous block of blockSize ids. Caller
// holds a.mu.
func (a *IDAllocator) openNewBlock(st *sourceState) {
	st.nextID = a.nextBlockBase
	st.blockEnd = a.nextBlockBase + blockSize
	a.nextBlockBase += blockSize
}

// persist writes st's current state to the backing store, if any. Failures
// are logged rather than propagated: Allocate/Retire never fail for
// persistence reasons, they only stop surviving a restart, which the log
// line makes visible to an operator.
func (a *IDAllocator) persist(source bundle.EID, st *sourceState) {
	if a.store == nil {
		return
	}
	if err := a.store.persist(source, st); err != nil {
		logger.Error("custody: failed to persist allocator state", logger.Err(err), logger.SourceEID(source.String()))
	}
}

// Retire returns id to source's free-list, merging with adjacent ranges to
// keep the list compact.
func (a *IDAllocator) Retire(source bundle.EID, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sources[source]
	if !ok {
		return
	}
	st.freeList = append(st.freeList, idRange{Low: id, High: id})
	sort.Slice(st.freeList, func(i, j int) bool { return st.freeList[i].Low < st.freeList[j].Low })

	merged := st.freeList[:0]
	for _, r := range st.freeList {
		if len(merged) > 0 && r.Low <= merged[len(merged)-1].High+1 {
			if r.High > merged[len(merged)-1].High {
				merged[len(merged)-1].High = r.High
			}
			continue
		}
		merged = append(merged, r)
	}
	st.freeList = merged
	a.persist(source, st)
}
