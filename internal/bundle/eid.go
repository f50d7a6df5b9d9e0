// Package bundle implements the wire codecs for DTN primary blocks and the
// endpoint-id and bundle-uuid types shared by the rest of the node.
package bundle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// bundleUUIDNamespace roots the deterministic bundle-uuid derivation below;
// any fixed namespace works since only self-consistency across derivations
// of the same identity fields matters, never cross-node agreement with a
// well-known UUID registry.
var bundleUUIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// EID is a node-id + service-id endpoint identifier, the "ipn:N.S" scheme
// used throughout the core (RFC 6260 style, stripped to the two integers
// the storage engine actually needs to key on).
type EID struct {
	Node    uint64
	Service uint64
}

// String renders the eid in "ipn:node.service" form.
func (e EID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
}

// IsZero reports whether the eid is the unset value.
func (e EID) IsZero() bool {
	return e.Node == 0 && e.Service == 0
}

// ParseEID parses an "ipn:node.service" string into an EID.
func ParseEID(s string) (EID, error) {
	rest, ok := strings.CutPrefix(s, "ipn:")
	if !ok {
		return EID{}, fmt.Errorf("bundle: eid %q missing ipn: scheme", s)
	}
	node, svc, ok := strings.Cut(rest, ".")
	if !ok {
		return EID{}, fmt.Errorf("bundle: eid %q missing node.service separator", s)
	}
	n, err := strconv.ParseUint(node, 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("bundle: eid %q bad node: %w", s, err)
	}
	sv, err := strconv.ParseUint(svc, 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("bundle: eid %q bad service: %w", s, err)
	}
	return EID{Node: n, Service: sv}, nil
}

// Priority is the bundle priority class; higher values are serviced first.
type Priority uint8

const (
	PriorityBulk Priority = iota
	PriorityNormal
	PriorityExpedited

	NumPriorities = int(PriorityExpedited) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityBulk:
		return "bulk"
	case PriorityNormal:
		return "normal"
	case PriorityExpedited:
		return "expedited"
	default:
		return "unknown"
	}
}

// UUID identifies a bundle independent of custody: creation time + sequence
// + source, plus fragment offset/length when the bundle is a fragment. Two
// bundles with identical UUID but different fragment fields are distinct
// fragments of the same logical bundle, hence the split no-fragment/fragment
// catalog keys.
type UUID struct {
	CreationTimeUsec uint64
	Sequence         uint64
	Source           EID

	IsFragment       bool
	FragmentOffset   uint64
	FragmentLength   uint64
}

// NoFragmentKey returns the key used by the catalog's by_uuid_no_fragment
// index: identity independent of fragmentation.
func (u UUID) NoFragmentKey() string {
	return fmt.Sprintf("%d.%d.%s", u.CreationTimeUsec, u.Sequence, u.Source)
}

// FragmentKey returns the key used by the catalog's by_uuid_fragment index,
// which additionally distinguishes fragments of the same logical bundle.
func (u UUID) FragmentKey() string {
	if !u.IsFragment {
		return u.NoFragmentKey()
	}
	return fmt.Sprintf("%s.%d.%d", u.NoFragmentKey(), u.FragmentOffset, u.FragmentLength)
}

// Canonical renders the bundle-uuid as a google/uuid value deterministically
// derived from the structured identity fields, for use in logs and metrics
// where a compact, externally-recognizable identifier is more useful than
// the raw struct fields.
func (u UUID) Canonical() uuid.UUID {
	return uuid.NewSHA1(bundleUUIDNamespace, []byte(u.FragmentKey()))
}
