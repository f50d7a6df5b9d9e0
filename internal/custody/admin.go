package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/dtn-project/dtnd/internal/bundle"
)

// Wire tag byte distinguishing the two administrative-record payload forms
// admission routes to this node's custody endpoint: a classic per-bundle
// custody signal, or an aggregated (ACS) one.
const (
	tagPerBundle  byte = 0
	tagAggregated byte = 1
)

// EncodePerBundle renders sig as a compact wire form: the bundle-uuid's
// structured fields followed by an accepted flag byte.
func EncodePerBundle(sig PerBundleSignal) []byte {
	buf := make([]byte, 0, 40)
	scratch := make([]byte, binary.MaxVarintLen64)
	putV := func(v uint64) {
		n := binary.PutUvarint(scratch, v)
		buf = append(buf, scratch[:n]...)
	}
	putV(sig.UUID.CreationTimeUsec)
	putV(sig.UUID.Sequence)
	putV(sig.UUID.Source.Node)
	putV(sig.UUID.Source.Service)
	if sig.UUID.IsFragment {
		buf = append(buf, 1)
		putV(sig.UUID.FragmentOffset)
		putV(sig.UUID.FragmentLength)
	} else {
		buf = append(buf, 0)
	}
	if sig.Accepted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodePerBundle parses the wire form produced by EncodePerBundle.
func DecodePerBundle(buf []byte) (PerBundleSignal, error) {
	off := 0
	getV := func() (uint64, error) {
		v, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return 0, fmt.Errorf("custody: malformed per-bundle signal")
		}
		off += n
		return v, nil
	}
	var sig PerBundleSignal
	var err error
	if sig.UUID.CreationTimeUsec, err = getV(); err != nil {
		return sig, err
	}
	if sig.UUID.Sequence, err = getV(); err != nil {
		return sig, err
	}
	if sig.UUID.Source.Node, err = getV(); err != nil {
		return sig, err
	}
	if sig.UUID.Source.Service, err = getV(); err != nil {
		return sig, err
	}
	if off >= len(buf) {
		return sig, fmt.Errorf("custody: truncated per-bundle signal")
	}
	isFragment := buf[off]
	off++
	if isFragment != 0 {
		sig.UUID.IsFragment = true
		if sig.UUID.FragmentOffset, err = getV(); err != nil {
			return sig, err
		}
		if sig.UUID.FragmentLength, err = getV(); err != nil {
			return sig, err
		}
	}
	if off >= len(buf) {
		return sig, fmt.Errorf("custody: truncated per-bundle signal accepted flag")
	}
	sig.Accepted = buf[off] != 0
	return sig, nil
}

// EncodeAdminRecord wraps a signal's encoded wire form with its leading
// kind tag byte, as carried in the payload of a bundle admission admits
// unconditionally to storage because it is addressed to the local
// custodian (§9).
func EncodeAdminRecord(kind SignalKind, payload []byte) []byte {
	tag := tagPerBundle
	if kind == SignalAggregated {
		tag = tagAggregated
	}
	return append([]byte{tag}, payload...)
}

// HandleAdminRecordPayload dispatches a decoded administrative-record
// payload to the matching Engine handler based on its leading kind tag.
func HandleAdminRecordPayload(e *Engine, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("custody: empty administrative record payload")
	}
	switch payload[0] {
	case tagPerBundle:
		sig, err := DecodePerBundle(payload[1:])
		if err != nil {
			return err
		}
		e.HandlePerBundle(sig)
		return nil
	case tagAggregated:
		sig, err := DecodeAggregated(payload[1:])
		if err != nil {
			return err
		}
		e.HandleAggregated(sig)
		return nil
	default:
		return fmt.Errorf("custody: unknown administrative record tag %d", payload[0])
	}
}
