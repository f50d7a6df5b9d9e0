// Package egress implements outduct dispatch: draining the storage
// manager's get_next_for_link per available link, forwarding to an
// outduct, and reacting to send success/failure by generating acks or
// publishing link-down events and returning the bundle to storage.
package egress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/bus"
	"github.com/dtn-project/dtnd/internal/catalog"
	"github.com/dtn-project/dtnd/internal/contact"
	"github.com/dtn-project/dtnd/internal/logger"
	"github.com/dtn-project/dtnd/internal/storage"
)

// ErrOutductUnavailable is returned by an Outduct.Send implementation when
// the link is no longer usable; Dispatcher treats it identically to any
// other send failure (link-down + return-to-storage).
var ErrOutductUnavailable = errors.New("egress: outduct unavailable")

// Outduct abstracts a single convergence-layer link. Send blocks until the
// bundle bytes have been handed off to the link (not necessarily
// delivered), returning an error on any local failure.
type Outduct interface {
	Send(ctx context.Context, dest bundle.EID, raw []byte) error
}

// AckFunc is invoked once per successfully dispatched bundle, wired to the
// custody engine (or, for non-custodial sends, a no-op).
type AckFunc func(custodyID uint64, dest bundle.EID)

// Dispatcher drains one or more outducts, each keyed by destination.
type Dispatcher struct {
	mgr       *storage.Manager
	available *contact.AvailableSet
	bus       *bus.Bus
	onSuccess AckFunc

	mu       sync.RWMutex
	outducts map[bundle.EID]Outduct

	stop chan struct{}
}

// New constructs a Dispatcher. outducts maps a destination EID to the
// convergence-layer adapter responsible for it; a missing entry for an
// otherwise-open destination is a configuration error surfaced at Run
// time via a logged error (the bundle is returned to storage).
func New(mgr *storage.Manager, available *contact.AvailableSet, b *bus.Bus, outducts map[bundle.EID]Outduct, onSuccess AckFunc) *Dispatcher {
	return &Dispatcher{
		mgr:       mgr,
		available: available,
		bus:       b,
		outducts:  outducts,
		onSuccess: onSuccess,
		stop:      make(chan struct{}),
	}
}

// Run drains storage in a loop: each iteration asks storage for the
// highest-priority, earliest-expiring bundle destined for any currently
// open destination, dispatches it, and reacts to the result. When storage
// has nothing to send it waits on the contact controller's release signal
// (or a poll interval, whichever comes first) rather than busy-spinning.
func (d *Dispatcher) Run(ctx context.Context, release <-chan bundle.EID, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		default:
		}

		dispatched, err := d.drainOne(ctx)
		if err != nil {
			logger.Error("egress: drain failed", logger.Err(err))
		}
		if dispatched {
			continue // keep draining without waiting, more may be queued
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-release:
		case <-ticker.C:
		}
	}
}

// Stop signals Run to exit after its current iteration.
func (d *Dispatcher) Stop() { close(d.stop) }

// Subscribe registers this dispatcher's ROUTE_UPDATE handler on b, per
// spec §4.6: the router collaborator publishes a (final_dest, next_hop)
// pair and the dispatcher reassigns the outduct used for final_dest to
// whichever outduct is already registered for next_hop.
func (d *Dispatcher) Subscribe(b *bus.Bus) error {
	return b.Subscribe(bus.SubjectRouteUpdate, d.handleRouteUpdate)
}

func (d *Dispatcher) handleRouteUpdate(data []byte) {
	finalDest, nextHop, ok := decodeRouteUpdate(data)
	if !ok {
		logger.Warn("egress: malformed ROUTE_UPDATE payload")
		return
	}
	if err := d.RouteUpdate(finalDest, nextHop); err != nil {
		logger.Error("egress: route update failed", logger.Err(err), logger.FinalDest(finalDest.String()))
	}
}

// RouteUpdate atomically rebinds the outduct used for finalDest to the
// outduct already registered for nextHop. It is an error to route through
// a next hop with no registered outduct: the update is rejected rather
// than leaving finalDest unroutable.
func (d *Dispatcher) RouteUpdate(finalDest, nextHop bundle.EID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, ok := d.outducts[nextHop]
	if !ok {
		return fmt.Errorf("egress: no outduct registered for next hop %s", nextHop)
	}
	d.outducts[finalDest] = out
	logger.Info("egress: route updated", logger.FinalDest(finalDest.String()))
	return nil
}

// outductFor returns the outduct currently registered for dest, if any.
func (d *Dispatcher) outductFor(dest bundle.EID) (Outduct, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out, ok := d.outducts[dest]
	return out, ok
}

// drainOne pops and dispatches at most one bundle, returning whether one
// was available.
func (d *Dispatcher) drainOne(ctx context.Context) (bool, error) {
	destinations := d.available.Snapshot()
	if len(destinations) == 0 {
		return false, nil
	}

	raw, desc, custodyID, err := d.mgr.GetNextForLink(destinations)
	if err != nil {
		return false, err
	}
	if desc == nil {
		return false, nil
	}

	out, ok := d.outductFor(desc.FinalDest)
	if !ok {
		logger.Error("egress: no outduct configured for destination", logger.FinalDest(desc.FinalDest.String()))
		d.mgr.ReturnToStorage(desc, custodyID)
		return true, nil
	}

	if err := out.Send(ctx, desc.FinalDest, raw); err != nil {
		d.handleSendFailure(desc, custodyID, err)
		return true, nil
	}

	d.handleSendSuccess(desc, custodyID)
	return true, nil
}

func (d *Dispatcher) handleSendSuccess(desc *catalog.Descriptor, custodyID uint64) {
	logger.Info("egress: bundle dispatched", logger.FinalDest(desc.FinalDest.String()), logger.CustodyID(custodyID), logger.Bytes(int(desc.EncodedSize)))
	if d.onSuccess != nil {
		d.onSuccess(custodyID, desc.FinalDest)
	}
	if !desc.HasCustody() {
		// No custody transfer requested: the bundle leaves local storage
		// the moment it is successfully handed to the outduct.
		if err := d.mgr.Remove(custodyID); err != nil {
			logger.Error("egress: remove after non-custodial send", logger.Err(err), logger.CustodyID(custodyID))
		}
	}
	// Custodial bundles stay catalogued until a custody signal retires
	// them; PopForSend already removed this entry from awaiting_send so it
	// will not be redispatched.
	if d.bus != nil {
		publishSuccessAck(d.bus, desc, custodyID)
	}
}

func (d *Dispatcher) handleSendFailure(desc *catalog.Descriptor, custodyID uint64, sendErr error) {
	logger.Error("egress: send failed, returning to storage", logger.Err(sendErr), logger.FinalDest(desc.FinalDest.String()), logger.CustodyID(custodyID))
	d.available.Remove(desc.FinalDest)
	if d.bus != nil {
		if err := publishLinkDown(d.bus, desc.FinalDest); err != nil {
			logger.Error("egress: publish link-down failed", logger.Err(err))
		}
	}
	d.mgr.ReturnToStorage(desc, custodyID)
}

// ackPayloadLen matches the fixed 24-byte wire layout: custody_id(8) +
// node(8) + service(8).
const ackPayloadLen = 24

func encodeAck(custodyID uint64, dest bundle.EID) []byte {
	buf := make([]byte, ackPayloadLen)
	putU64(buf[0:8], custodyID)
	putU64(buf[8:16], dest.Node)
	putU64(buf[16:24], dest.Service)
	return buf
}

// DecodeAck parses a success-ack payload published on
// bus.SubjectEgressToStorage / bus.SubjectEgressToIngress.
func DecodeAck(buf []byte) (custodyID uint64, dest bundle.EID, err error) {
	if len(buf) != ackPayloadLen {
		return 0, bundle.EID{}, fmt.Errorf("egress: malformed ack payload length %d", len(buf))
	}
	custodyID = getU64(buf[0:8])
	dest = bundle.EID{Node: getU64(buf[8:16]), Service: getU64(buf[16:24])}
	return custodyID, dest, nil
}

func putU64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getU64(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

func publishSuccessAck(b *bus.Bus, desc *catalog.Descriptor, custodyID uint64) error {
	payload := encodeAck(custodyID, desc.FinalDest)
	if err := b.Publish(bus.SubjectEgressToStorage, payload); err != nil {
		return err
	}
	return b.Publish(bus.SubjectEgressToIngress, payload)
}

func publishLinkDown(b *bus.Bus, dest bundle.EID) error {
	return contact.PublishLinkDown(b, dest)
}

// routeUpdateLen matches the fixed wire layout for ROUTE_UPDATE{final_dest,
// next_hop}: four natural-64-bit-aligned, little-endian fields.
const routeUpdateLen = 32

func encodeRouteUpdate(finalDest, nextHop bundle.EID) []byte {
	buf := make([]byte, routeUpdateLen)
	binary.LittleEndian.PutUint64(buf[0:8], finalDest.Node)
	binary.LittleEndian.PutUint64(buf[8:16], finalDest.Service)
	binary.LittleEndian.PutUint64(buf[16:24], nextHop.Node)
	binary.LittleEndian.PutUint64(buf[24:32], nextHop.Service)
	return buf
}

func decodeRouteUpdate(data []byte) (finalDest, nextHop bundle.EID, ok bool) {
	if len(data) < routeUpdateLen {
		return bundle.EID{}, bundle.EID{}, false
	}
	finalDest = bundle.EID{
		Node:    binary.LittleEndian.Uint64(data[0:8]),
		Service: binary.LittleEndian.Uint64(data[8:16]),
	}
	nextHop = bundle.EID{
		Node:    binary.LittleEndian.Uint64(data[16:24]),
		Service: binary.LittleEndian.Uint64(data[24:32]),
	}
	return finalDest, nextHop, true
}

// PublishRouteUpdate lets the router collaborator (or tests standing in
// for it) drive a dispatcher's route table over the bus.
func PublishRouteUpdate(b *bus.Bus, finalDest, nextHop bundle.EID) error {
	return b.Publish(bus.SubjectRouteUpdate, encodeRouteUpdate(finalDest, nextHop))
}
