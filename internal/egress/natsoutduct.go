package egress

import (
	"context"
	"fmt"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/bus"
)

// NATSOutduct is the default Outduct implementation: it hands a bundle off
// to a convergence-layer adapter subscribed on a per-destination subject on
// the same message bus used for inter-module communication. Real
// point-to-point transports (TCPCL, LoRa, etc.) register their own Outduct
// implementation instead; this one is what a single-process deployment or
// test harness uses out of the box.
type NATSOutduct struct {
	bus *bus.Bus
}

// NewNATSOutduct wraps b as an Outduct.
func NewNATSOutduct(b *bus.Bus) *NATSOutduct {
	return &NATSOutduct{bus: b}
}

// outductSubject derives the per-destination publish subject a
// convergence-layer adapter for dest would subscribe to.
func outductSubject(dest bundle.EID) string {
	return fmt.Sprintf("dtn.cla.out.%d.%d", dest.Node, dest.Service)
}

// Send publishes raw on dest's outbound subject. Publish does not confirm
// that a convergence-layer adapter is actually listening; a send therefore
// "succeeds" the moment the bus accepts the message, matching the
// handed-off-to-the-link semantics Outduct.Send documents.
func (o *NATSOutduct) Send(_ context.Context, dest bundle.EID, raw []byte) error {
	if err := o.bus.Publish(outductSubject(dest), raw); err != nil {
		return fmt.Errorf("egress: nats outduct send to %s: %w", dest, err)
	}
	return nil
}
