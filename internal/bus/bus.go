// Package bus wraps the inter-module message bus described in the node's
// external-interfaces design: a transport-neutral pub/sub fabric with named
// logical endpoints (ingress→egress, ingress→storage, scheduler→ingress,
// etc). It is backed by NATS, chosen because it preserves message
// boundaries and supports both push (request-style subjects) and
// publish/subscribe without the node needing to run its own broker.
package bus

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/dtn-project/dtnd/internal/logger"
)

// Named logical endpoints from the external-interfaces table. Subjects are
// plain strings rather than an enum so convergence-layer collaborators
// outside this module's scope can subscribe without importing Go types.
const (
	SubjectIngressToEgress   = "dtn.ingress.egress"
	SubjectIngressToStorage  = "dtn.ingress.storage"
	SubjectStorageToEgress   = "dtn.storage.egress"
	SubjectEgressToIngress   = "dtn.egress.ingress.ack"
	SubjectEgressToStorage   = "dtn.egress.storage.ack"
	SubjectLinkUp            = "dtn.scheduler.link_up"
	SubjectLinkDown          = "dtn.scheduler.link_down"
	SubjectLinkStatus        = "dtn.egress.scheduler.link_status"
	SubjectRouteUpdate       = "dtn.router.egress.route_update"

	// SubjectClaIngest carries raw bundle bytes handed off by a
	// convergence-layer adapter outside this module's scope; admission
	// subscribes here as its sole ingest path.
	SubjectClaIngest = "dtn.cla.ingest"
)

// Handler processes one message's raw payload bytes. Headers per §6 are
// fixed-width and travel as the message payload's leading bytes; subjects
// already disambiguate type, so handlers decode their own header+body.
type Handler func(data []byte)

// Bus is a thin wrapper over a NATS connection with subscription tracking.
// Each Connect call returns its own Bus; there is no package-level
// instance.
type Bus struct {
	conn          *nats.Conn
	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

// Connect dials the given NATS URL. An empty url selects nats.DefaultURL,
// matching local single-node development.
func Connect(url string) (*Bus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("dtnd"))
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &Bus{conn: conn}, nil
}

// Publish sends data on subject. All headers are fixed-width,
// natural-64-bit-aligned, little-endian on the wire per §6; any
// accompanying bundle bytes are encoded by the caller into a single frame
// (header||payload) since NATS does not preserve a secondary-frame
// boundary the way the raw datagram fabric in the original design did.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers fn to run for every message received on subject.
func (b *Bus) Subscribe(subject string, fn Handler) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()
	return nil
}

// Close unsubscribes everything and drains the underlying connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("bus: unsubscribe failed", logger.Err(err))
		}
	}
	b.subscriptions = nil
	if b.conn != nil {
		b.conn.Close()
	}
}
