package contact

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dtn-project/dtnd/internal/bundle"
)

func TestAvailableSetAddRemove(t *testing.T) {
	s := NewAvailableSet()
	dest := bundle.EID{Node: 2, Service: 1}
	assert.False(t, s.IsOpen(dest))

	s.Add(dest)
	assert.True(t, s.IsOpen(dest))
	assert.ElementsMatch(t, []bundle.EID{dest}, s.Snapshot())

	s.Remove(dest)
	assert.False(t, s.IsOpen(dest))
}

func TestControllerLinkUpSignalsReleaseAndOpensDestination(t *testing.T) {
	c := NewController()
	dest := bundle.EID{Node: 2, Service: 1}

	c.handleLinkUp(encodeLinkEvent(dest))
	assert.True(t, c.Available.IsOpen(dest))

	select {
	case got := <-c.ReleaseSignal():
		assert.Equal(t, dest, got)
	default:
		t.Fatal("expected release signal")
	}
}

func TestControllerLinkDownClosesDestinationWithoutDroppingInFlight(t *testing.T) {
	c := NewController()
	dest := bundle.EID{Node: 2, Service: 1}
	c.handleLinkUp(encodeLinkEvent(dest))
	c.handleLinkDown(encodeLinkEvent(dest))
	assert.False(t, c.Available.IsOpen(dest))
}

func TestLinkEventWireRoundTrip(t *testing.T) {
	dest := bundle.EID{Node: 42, Service: 7}
	wire := encodeLinkEvent(dest)
	decoded, ok := decodeLinkEvent(wire)
	assert.True(t, ok)
	assert.Equal(t, dest, decoded)
}
