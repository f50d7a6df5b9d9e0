// Package diskpool implements the disk writer pool: K worker goroutines,
// each owning one backing file, realizing bundle bodies as chains of
// fixed-size segments and reading them back. Dispatch is by
// segment_id % K, binding each segment to a file for life.
package diskpool

import "encoding/binary"

// SentinelNext marks a segment as the tail of its chain.
const SentinelNext uint32 = 0xFFFFFFFF

// headFlag is OR'd into the high bit of the custody-id field to mark a
// segment as the head of its chain, so a restart scan can distinguish
// chain heads from interior segments without a sidecar index file.
const headFlag uint64 = 1 << 63

const prefixLen = 4 + 8 // next_segment_id:u32 + custody_id:u64 (with head flag folded in)

// PrefixLen returns the on-disk reserved-prefix size in bytes.
func PrefixLen() int { return prefixLen }

// PayloadLen returns the number of payload bytes available in a segment of
// the given total size.
func PayloadLen(segmentSize int) int { return segmentSize - prefixLen }

// Prefix is the decoded reserved header stored at the start of every
// segment on disk: [next_segment_id:u32][custody_id:u64, high bit = head flag].
type Prefix struct {
	Next      uint32
	CustodyID uint64
	IsHead    bool
}

// EncodePrefix writes the prefix into the first PrefixLen() bytes of dst.
func EncodePrefix(dst []byte, p Prefix) {
	binary.LittleEndian.PutUint32(dst[0:4], p.Next)
	custody := p.CustodyID &^ headFlag
	if p.IsHead {
		custody |= headFlag
	}
	binary.LittleEndian.PutUint64(dst[4:12], custody)
}

// DecodePrefix reads the prefix from the first PrefixLen() bytes of src.
func DecodePrefix(src []byte) Prefix {
	next := binary.LittleEndian.Uint32(src[0:4])
	raw := binary.LittleEndian.Uint64(src[4:12])
	return Prefix{
		Next:      next,
		CustodyID: raw &^ headFlag,
		IsHead:    raw&headFlag != 0,
	}
}

// InUse reports whether a segment's raw prefix bytes indicate the segment
// is part of a live chain. A free segment is all-zero (Next == 0, no
// custody id, no head flag); a real tail segment always carries
// SentinelNext rather than 0, so the zero value is unambiguous.
func (p Prefix) InUse() bool {
	return p.Next != 0 || p.CustodyID != 0 || p.IsHead
}
