package diskpool

import "sync/atomic"

// job is a single write or read command enqueued to a worker's ring buffer.
type job struct {
	kind      jobKind
	segmentID uint32
	next      uint32 // WRITE only
	custodyID uint64 // WRITE only
	isHead    bool   // WRITE only
	payload   []byte // WRITE: bytes to write; READ: ignored

	done chan result
}

type jobKind uint8

const (
	jobWrite jobKind = iota
	jobRead
)

// result is delivered back to the submitter via job.done.
type result struct {
	segment []byte // READ: the full segment including prefix
	err     error
}

// ring is a bounded single-producer/single-consumer ring buffer of jobs,
// sized to a power of two so index wrapping is a mask rather than a modulo.
// The manager is the sole producer; the owning worker goroutine is the sole
// consumer.
type ring struct {
	buf    []job
	mask   uint64
	head   atomic.Uint64 // next slot the producer will write
	tail   atomic.Uint64 // next slot the consumer will read
}

func newRing(capacityPow2 int) *ring {
	n := nextPow2(capacityPow2)
	return &ring{buf: make([]job, n), mask: uint64(n - 1)}
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// tryPush attempts to enqueue j without blocking; returns false if full.
func (r *ring) tryPush(j job) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = j
	r.head.Store(head + 1)
	return true
}

// tryPop attempts to dequeue a job without blocking; returns false if
// empty.
func (r *ring) tryPop() (job, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail >= head {
		return job{}, false
	}
	j := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return j, true
}

func (r *ring) len() int {
	return int(r.head.Load() - r.tail.Load())
}
