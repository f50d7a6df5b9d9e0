package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-project/dtnd/internal/bundle"
)

func desc(seq uint64, custodyID uint64, dest bundle.EID, prio bundle.Priority, exp uint64) *Descriptor {
	return &Descriptor{
		EncodedSize:  1000 + seq,
		SegmentCount: 1,
		FinalDest:    dest,
		Source:       bundle.EID{Node: 500, Service: 500},
		Priority:     prio,
		Expiration:   exp,
		WireVersion:  bundle.WireV7,
		UUID: bundle.UUID{
			CreationTimeUsec: 1000 * 1_000_000,
			Sequence:         seq,
			Source:           bundle.EID{Node: 500, Service: 500},
		},
		CustodyID:  custodyID,
		SegmentIDs: []uint32{uint32(seq)},
	}
}

func TestCatalogPopReturnsEarliestExpiringHighestPriority(t *testing.T) {
	c := New()
	dest := bundle.EID{Node: 501, Service: 501}

	d1 := desc(0, 1, dest, bundle.PriorityNormal, 2000)
	d2 := desc(1, 2, dest, bundle.PriorityExpedited, 3000)
	require.True(t, c.CatalogIncoming(d1, FIFO))
	require.True(t, c.CatalogIncoming(d2, FIFO))

	got, custodyID := c.PopForSend([]bundle.EID{dest})
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), custodyID)
	assert.Equal(t, bundle.PriorityExpedited, got.Priority)
}

func TestCatalogRoundTripViaCustodyAndUUID(t *testing.T) {
	c := New()
	dest := bundle.EID{Node: 501, Service: 501}
	sum := uint64(0)
	for i := uint64(0); i < 10; i++ {
		d := desc(i, i+1, dest, bundle.PriorityNormal, 2000)
		require.True(t, c.CatalogIncoming(d, FIFO))
		sum += d.EncodedSize
	}
	stats := c.Stats()
	assert.Equal(t, uint64(10), stats.BundleCount)
	assert.Equal(t, sum, stats.ByteCount)

	for i := uint64(0); i < 10; i++ {
		d, custodyID := c.PopForSend([]bundle.EID{dest})
		require.NotNil(t, d)
		assert.Equal(t, i+1, custodyID)

		cidFromUUID, ok := c.CustodyIDForUUID(d.UUID)
		require.True(t, ok)
		assert.Equal(t, custodyID, cidFromUUID)

		entry, ok := c.GetByCustodyID(custodyID)
		require.True(t, ok)
		assert.Same(t, d, entry)

		found, numRemoved := c.Remove(custodyID, false)
		assert.True(t, found)
		assert.Equal(t, 2, numRemoved)
	}
	stats = c.Stats()
	assert.Equal(t, uint64(0), stats.BundleCount)
}

func TestReturnToAwaitingSendRetriesLIFO(t *testing.T) {
	c := New()
	dest := bundle.EID{Node: 501, Service: 501}
	d := desc(0, 1, dest, bundle.PriorityNormal, 2000)
	require.True(t, c.CatalogIncoming(d, FIFO))

	popped, custodyID := c.PopForSend([]bundle.EID{dest})
	require.NotNil(t, popped)
	c.ReturnToAwaitingSend(popped, custodyID)

	again, _ := c.PopForSend([]bundle.EID{dest})
	assert.Same(t, popped, again)
}

func TestPopForSendHonorsDestinationOrderAndAvailability(t *testing.T) {
	c := New()
	destA := bundle.EID{Node: 100, Service: 1}
	destB := bundle.EID{Node: 501, Service: 501}
	require.True(t, c.CatalogIncoming(desc(0, 1, destB, bundle.PriorityNormal, 2000), FIFO))

	got, _ := c.PopForSend([]bundle.EID{destA})
	assert.Nil(t, got)

	got, _ = c.PopForSend([]bundle.EID{{Node: 1000, Service: 1}, destB})
	assert.NotNil(t, got)
}

func TestGetExpiredReturnsAscendingOrderBounded(t *testing.T) {
	c := New()
	dest := bundle.EID{Node: 501, Service: 501}
	now := uint64(1_700_000_000)

	for i := uint64(0); i < 5; i++ {
		d := desc(i, i+1, dest, bundle.PriorityBulk, now-1-i)
		require.True(t, c.CatalogIncoming(d, FIFO))
	}
	for i := uint64(5); i < 10; i++ {
		d := desc(i, i+1, dest, bundle.PriorityBulk, now+60)
		require.True(t, c.CatalogIncoming(d, FIFO))
	}

	expired := c.GetExpired(now, 3)
	require.Len(t, expired, 3)
	assert.Equal(t, []uint64{5, 4, 3}, expired)
	for _, id := range expired {
		assert.LessOrEqual(t, id, uint64(5))
	}
}

func TestDuplicateUUIDRejectedByFIFOPolicy(t *testing.T) {
	c := New()
	dest := bundle.EID{Node: 501, Service: 501}
	d1 := desc(0, 1, dest, bundle.PriorityNormal, 2000)
	require.True(t, c.CatalogIncoming(d1, FIFO))

	d2 := desc(0, 2, dest, bundle.PriorityNormal, 2000)
	assert.False(t, c.CatalogIncoming(d2, FIFO))
}
