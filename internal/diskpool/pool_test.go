package diskpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, numWorkers int, maxSegments uint32) *Pool {
	t.Helper()
	p, err := New(Config{
		NumWorkers:  numWorkers,
		SegmentSize: 4096,
		MaxSegments: maxSegments,
		Dir:         t.TempDir(),
	})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPool(t, 2, 64)
	payload := []byte("hello bundle payload")

	require.NoError(t, p.Write(7, SentinelNext, 1001, true, payload))

	seg, err := p.Read(7)
	require.NoError(t, err)
	prefix := DecodePrefix(seg)
	assert.Equal(t, SentinelNext, prefix.Next)
	assert.Equal(t, uint64(1001), prefix.CustodyID)
	assert.True(t, prefix.IsHead)
	assert.Equal(t, payload, seg[PrefixLen():PrefixLen()+len(payload)])
}

func TestSegmentDispatchBindsToOwningWorker(t *testing.T) {
	p := newTestPool(t, 4, 256)
	for id := uint32(0); id < 16; id++ {
		require.NoError(t, p.Write(id, SentinelNext, uint64(id)+1, true, []byte{byte(id)}))
	}
	for id := uint32(0); id < 16; id++ {
		seg, err := p.Read(id)
		require.NoError(t, err)
		prefix := DecodePrefix(seg)
		assert.Equal(t, uint64(id)+1, prefix.CustodyID)
	}
}

func TestChainedSegmentsPreserveNextPointer(t *testing.T) {
	p := newTestPool(t, 1, 16)
	require.NoError(t, p.Write(0, 1, 55, true, []byte("a")))
	require.NoError(t, p.Write(1, 2, 55, false, []byte("b")))
	require.NoError(t, p.Write(2, SentinelNext, 55, false, []byte("c")))

	seg0, err := p.Read(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), DecodePrefix(seg0).Next)

	seg2, err := p.Read(2)
	require.NoError(t, err)
	assert.Equal(t, SentinelNext, DecodePrefix(seg2).Next)
}

func TestScanAllFindsInUseSegmentsOnly(t *testing.T) {
	p := newTestPool(t, 2, 32)
	require.NoError(t, p.Write(3, SentinelNext, 77, true, []byte("payload")))

	found := 0
	require.NoError(t, p.ScanAll(func(segmentID uint32, prefix Prefix, payload []byte) {
		found++
		assert.Equal(t, uint32(3), segmentID)
		assert.Equal(t, uint64(77), prefix.CustodyID)
		assert.True(t, prefix.IsHead)
	}))
	assert.Equal(t, 1, found)
}

func TestMarkOfflineFailsFastOnThatWorker(t *testing.T) {
	p := newTestPool(t, 2, 64)
	p.MarkOffline(2, assert.AnError)

	err := p.Write(2, SentinelNext, 1, true, []byte("x"))
	assert.Error(t, err)

	// A segment on a different worker is unaffected.
	require.NoError(t, p.Write(3, SentinelNext, 2, true, []byte("y")))
}
