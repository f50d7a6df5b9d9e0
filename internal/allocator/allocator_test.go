package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New(1024)
	assert.Equal(t, uint64(1024), a.FreeCount())

	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)
	assert.False(t, a.IsFree(id))
	assert.Equal(t, uint64(1023), a.FreeCount())

	require.NoError(t, a.Free(id))
	assert.True(t, a.IsFree(id))
	assert.Equal(t, uint64(1024), a.FreeCount())
}

func TestDoubleFreeIdempotence(t *testing.T) {
	a := New(64)
	id, err := a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Free(id))
	err = a.Free(id)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestAllocatorExhaustionAndRecovery(t *testing.T) {
	a := New(4)
	var ids []uint32
	for i := 0; i < 4; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, a.Free(ids[0]))
	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)
}

func TestAllocateBulkRollsBackOnFailure(t *testing.T) {
	a := New(8)
	ids, err := a.AllocateBulk(8)
	require.NoError(t, err)
	require.Len(t, ids, 8)
	require.NoError(t, a.Free(ids[0]))

	initialFree := a.FreeCount()
	_, err = a.AllocateBulk(5)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, initialFree, a.FreeCount())
}

func TestBulkAllocateThenFreeRestoresFreeCount(t *testing.T) {
	a := New(4096)
	initial := a.FreeCount()

	ids, err := a.AllocateBulk(500)
	require.NoError(t, err)
	a.FreeBulk(ids)

	assert.Equal(t, initial, a.FreeCount())
}

func TestAllocateAcrossMultipleDepths(t *testing.T) {
	// 64*64 + 1 forces a 3-level tree (depth 0 root, depth1 64 words, depth2 4096 words)
	a := New(64*64 + 1)
	seen := make(map[uint32]bool)
	for i := 0; i < 64*64+1; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id allocated: %d", id)
		seen[id] = true
	}
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestMarkUsedForRestartScan(t *testing.T) {
	a := New(16)
	require.NoError(t, a.MarkUsed(5))
	assert.False(t, a.IsFree(5))
	assert.Equal(t, uint64(15), a.FreeCount())

	err := a.MarkUsed(5)
	assert.Error(t, err)
}

func TestNonPowerOf64CapacityDoesNotOverAllocate(t *testing.T) {
	a := New(100)
	count := 0
	for {
		_, err := a.Allocate()
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 100, count)
}
