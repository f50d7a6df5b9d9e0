package diskpool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dtn-project/dtnd/internal/logger"
	"github.com/dtn-project/dtnd/pkg/bufpool"
)

// Config configures a Pool.
type Config struct {
	// NumWorkers is K: the number of backing files / worker goroutines.
	NumWorkers int
	// SegmentSize is the fixed on-disk segment size in bytes, including
	// the reserved prefix.
	SegmentSize int
	// MaxSegments is the total addressable segment space across all
	// workers combined (id in [0, MaxSegments)).
	MaxSegments uint32
	// Dir is the directory backing files are created in.
	Dir string
	// RingCapacity is the per-worker command ring buffer capacity
	// (rounded up to a power of two).
	RingCapacity int
	// SubmitTimeout bounds how long Submit spin-waits for ring space
	// before giving up.
	SubmitTimeout time.Duration
}

// worker owns one backing file opened for memory-mapped random read/write,
// one command ring (manager produces, worker consumes), and a wake
// condition so the worker can block when idle.
type worker struct {
	idx     int
	file    *os.File
	data    []byte
	ring    *ring
	mu      sync.Mutex
	cond    *sync.Cond
	offline atomic.Bool
	running atomic.Bool
}

// Pool is the disk writer pool: K workers realizing segment-chained bundle
// bodies across K backing files.
type Pool struct {
	cfg     Config
	workers []*worker
	wg      sync.WaitGroup
}

// New creates the backing files (pre-sized per §6: file k holds segments
// whose id % K == k; segment s sits at byte offset (s/K)*SegmentSize) and
// memory-maps each one.
func New(cfg Config) (*Pool, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 4096
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 1024
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("diskpool: create dir: %w", err)
	}

	p := &Pool{cfg: cfg}
	for k := 0; k < cfg.NumWorkers; k++ {
		segmentsInFile := segmentsOwnedByWorker(cfg.MaxSegments, cfg.NumWorkers, k)
		sizeBytes := int64(segmentsInFile) * int64(cfg.SegmentSize)
		if sizeBytes == 0 {
			sizeBytes = int64(cfg.SegmentSize)
		}

		path := fmt.Sprintf("%s/segments-%03d.dat", cfg.Dir, k)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			p.closeOpened(k)
			return nil, fmt.Errorf("diskpool: open %s: %w", path, err)
		}
		if info, serr := f.Stat(); serr == nil && info.Size() < sizeBytes {
			if err := f.Truncate(sizeBytes); err != nil {
				f.Close()
				p.closeOpened(k)
				return nil, fmt.Errorf("diskpool: truncate %s: %w", path, err)
			}
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			p.closeOpened(k)
			return nil, fmt.Errorf("diskpool: mmap %s: %w", path, err)
		}

		w := &worker{idx: k, file: f, data: data, ring: newRing(cfg.RingCapacity)}
		w.cond = sync.NewCond(&w.mu)
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *Pool) closeOpened(upTo int) {
	for i := 0; i < upTo && i < len(p.workers); i++ {
		w := p.workers[i]
		_ = unix.Munmap(w.data)
		_ = w.file.Close()
	}
}

// segmentsOwnedByWorker returns how many of maxSegments belong to worker k
// under id % numWorkers == k dispatch.
func segmentsOwnedByWorker(maxSegments uint32, numWorkers, k int) uint32 {
	n := uint32(0)
	for id := uint32(k); id < maxSegments; id += uint32(numWorkers) {
		n++
	}
	return n
}

// Start launches each worker's service loop.
func (p *Pool) Start() {
	for _, w := range p.workers {
		w.running.Store(true)
		p.wg.Add(1)
		go p.serviceLoop(w)
	}
}

// Stop signals every worker to exit after draining its ring and waits for
// them to return.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.running.Store(false)
		w.cond.L.Lock()
		w.cond.Broadcast()
		w.cond.L.Unlock()
	}
	p.wg.Wait()
	for _, w := range p.workers {
		_ = unix.Munmap(w.data)
		_ = w.file.Close()
	}
}

func (p *Pool) ownerOf(segmentID uint32) *worker {
	return p.workers[int(segmentID)%len(p.workers)]
}

func (p *Pool) offsetOf(w *worker, segmentID uint32) int64 {
	slot := uint32(segmentID) / uint32(len(p.workers))
	return int64(slot) * int64(p.cfg.SegmentSize)
}

// serviceLoop is the worker goroutine: blocks on its ring's not-empty
// condition when idle, otherwise drains jobs in order, keeping every write
// to this worker's file totally ordered.
func (p *Pool) serviceLoop(w *worker) {
	defer p.wg.Done()
	for {
		w.mu.Lock()
		for w.ring.len() == 0 && w.running.Load() {
			w.cond.Wait()
		}
		if w.ring.len() == 0 && !w.running.Load() {
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		j, ok := w.ring.tryPop()
		if !ok {
			continue
		}
		p.execute(w, j)
	}
}

func (p *Pool) execute(w *worker, j job) {
	if w.offline.Load() {
		j.done <- result{err: fmt.Errorf("diskpool: worker %d offline", w.idx)}
		return
	}
	off := p.offsetOf(w, j.segmentID)
	switch j.kind {
	case jobWrite:
		seg := w.data[off : off+int64(p.cfg.SegmentSize)]
		EncodePrefix(seg, Prefix{Next: j.next, CustodyID: j.custodyID, IsHead: j.isHead})
		n := copy(seg[prefixLen:], j.payload)
		for i := prefixLen + n; i < len(seg); i++ {
			seg[i] = 0
		}
		j.done <- result{}
	case jobRead:
		seg := bufpool.Get(p.cfg.SegmentSize)
		copy(seg, w.data[off:off+int64(p.cfg.SegmentSize)])
		j.done <- result{segment: seg}
	default:
		j.done <- result{err: fmt.Errorf("diskpool: unknown job kind %d", j.kind)}
	}
}

// submit enqueues j to the owning worker's ring, spin-waiting (bounded by
// SubmitTimeout) if the ring is momentarily full, then wakes the worker.
func (p *Pool) submit(segmentID uint32, j job) error {
	w := p.ownerOf(segmentID)
	if w.offline.Load() {
		return fmt.Errorf("diskpool: worker %d offline", w.idx)
	}
	deadline := time.Now().Add(p.cfg.SubmitTimeout)
	for !w.ring.tryPush(j) {
		if time.Now().After(deadline) {
			return fmt.Errorf("diskpool: submit to worker %d timed out: ring full", w.idx)
		}
		time.Sleep(time.Microsecond)
	}
	w.cond.L.Lock()
	w.cond.Signal()
	w.cond.L.Unlock()
	return nil
}

// Write submits a WRITE(segment_id, payload, chain_next_id, custody_id) job
// and blocks until the worker reports completion.
func (p *Pool) Write(segmentID, next uint32, custodyID uint64, isHead bool, payload []byte) error {
	done := make(chan result, 1)
	if err := p.submit(segmentID, job{
		kind: jobWrite, segmentID: segmentID, next: next,
		custodyID: custodyID, isHead: isHead, payload: payload, done: done,
	}); err != nil {
		return err
	}
	r := <-done
	return r.err
}

// Read submits a READ(segment_id) job and blocks until the full segment
// (including its reserved prefix) is returned.
func (p *Pool) Read(segmentID uint32) ([]byte, error) {
	done := make(chan result, 1)
	if err := p.submit(segmentID, job{kind: jobRead, segmentID: segmentID, done: done}); err != nil {
		return nil, err
	}
	r := <-done
	if r.err != nil {
		return nil, r.err
	}
	return r.segment, nil
}

// MarkOffline flags the worker owning segmentID as failed: outstanding and
// future reads/writes on that worker fail fast. Recovery after offline is
// out of scope.
func (p *Pool) MarkOffline(segmentID uint32, cause error) {
	w := p.ownerOf(segmentID)
	if w.offline.CompareAndSwap(false, true) {
		logger.Error("diskpool: worker marked offline", logger.WorkerID(w.idx), logger.Err(cause))
	}
}

// NumWorkers returns K.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// SegmentSize returns the configured fixed segment size.
func (p *Pool) SegmentSize() int { return p.cfg.SegmentSize }

// ScanFunc is invoked once per in-use segment found during ScanAll, with
// the segment's global id, its decoded prefix, and its payload bytes
// (sized to the configured segment size minus the prefix; trailing zero
// padding included, since only the descriptor's encoded-size field tells
// the caller where real payload ends).
type ScanFunc func(segmentID uint32, prefix Prefix, payload []byte)

// ScanAll performs the restart-scan: sequentially reads every segment of
// every backing file (must be called before Start, with no concurrent
// writers) and invokes fn for every segment whose prefix indicates it is
// part of a live chain. Must be idempotent: running it twice against the
// same files yields the same callback sequence.
func (p *Pool) ScanAll(fn ScanFunc) error {
	for _, w := range p.workers {
		segsInFile := len(w.data) / p.cfg.SegmentSize
		for slot := 0; slot < segsInFile; slot++ {
			segmentID := uint32(slot)*uint32(len(p.workers)) + uint32(w.idx)
			off := int64(slot) * int64(p.cfg.SegmentSize)
			seg := w.data[off : off+int64(p.cfg.SegmentSize)]
			prefix := DecodePrefix(seg)
			if !prefix.InUse() {
				continue
			}
			payload := make([]byte, p.cfg.SegmentSize-prefixLen)
			copy(payload, seg[prefixLen:])
			fn(segmentID, prefix, payload)
		}
	}
	return nil
}
