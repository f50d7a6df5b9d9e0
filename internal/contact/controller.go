package contact

import (
	"encoding/binary"

	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/bus"
	"github.com/dtn-project/dtnd/internal/logger"
)

// wire layout for LINK_UP/LINK_DOWN{dest}: two natural-64-bit-aligned,
// little-endian fields, node then service. Up/down is carried by the
// subject rather than a flag byte.
const linkEventLen = 16

func encodeLinkEvent(dest bundle.EID) []byte {
	buf := make([]byte, linkEventLen)
	binary.LittleEndian.PutUint64(buf[0:8], dest.Node)
	binary.LittleEndian.PutUint64(buf[8:16], dest.Service)
	return buf
}

func decodeLinkEvent(data []byte) (bundle.EID, bool) {
	if len(data) < linkEventLen {
		return bundle.EID{}, false
	}
	return bundle.EID{
		Node:    binary.LittleEndian.Uint64(data[0:8]),
		Service: binary.LittleEndian.Uint64(data[8:16]),
	}, true
}

// Controller listens on the message bus for LINK_UP/LINK_DOWN messages,
// maintains an AvailableSet, and signals a release loop so storage's pop
// scheduling wakes promptly rather than waiting out its idle timer.
type Controller struct {
	Available *AvailableSet
	release   chan bundle.EID
}

// NewController constructs a Controller with its own AvailableSet and a
// buffered release-signal channel consumers can range over.
func NewController() *Controller {
	return &Controller{
		Available: NewAvailableSet(),
		release:   make(chan bundle.EID, 256),
	}
}

// ReleaseSignal returns the channel that receives a destination every time
// a LINK_UP event opens a contact for it, so the storage management loop
// can wake immediately instead of waiting for its idle poll.
func (c *Controller) ReleaseSignal() <-chan bundle.EID { return c.release }

// Subscribe registers this controller's handlers for LINK_UP and LINK_DOWN
// on b.
func (c *Controller) Subscribe(b *bus.Bus) error {
	if err := b.Subscribe(bus.SubjectLinkUp, c.handleLinkUp); err != nil {
		return err
	}
	return b.Subscribe(bus.SubjectLinkDown, c.handleLinkDown)
}

func (c *Controller) handleLinkUp(data []byte) {
	dest, ok := decodeLinkEvent(data)
	if !ok {
		logger.Warn("contact: malformed LINK_UP payload")
		return
	}
	c.Available.Add(dest)
	logger.Info("contact: link up", logger.FinalDest(dest.String()))
	select {
	case c.release <- dest:
	default:
		// Release loop is already backlogged; it will discover the open
		// contact on its next scheduled pass regardless.
	}
}

func (c *Controller) handleLinkDown(data []byte) {
	dest, ok := decodeLinkEvent(data)
	if !ok {
		logger.Warn("contact: malformed LINK_DOWN payload")
		return
	}
	// In-flight bundles for dest remain in flight until their egress acks
	// arrive or their outduct signals failure; removing it from the
	// available set only stops new pops from choosing it.
	c.Available.Remove(dest)
	logger.Info("contact: link down", logger.FinalDest(dest.String()))
}

// PublishLinkUp and PublishLinkDown let the scheduler collaborator (or
// tests standing in for it) drive the controller over the bus.
func PublishLinkUp(b *bus.Bus, dest bundle.EID) error {
	return b.Publish(bus.SubjectLinkUp, encodeLinkEvent(dest))
}

func PublishLinkDown(b *bus.Bus, dest bundle.EID) error {
	return b.Publish(bus.SubjectLinkDown, encodeLinkEvent(dest))
}
