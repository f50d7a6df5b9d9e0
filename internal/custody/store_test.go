package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-project/dtnd/internal/bundle"
)

func TestStoreRoundTripsAllocatorStateAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	src := bundle.EID{Node: 7, Service: 1}

	store1, err := OpenStore(dir)
	require.NoError(t, err)

	a1, err := NewIDAllocatorWithStore(store1)
	require.NoError(t, err)

	var allocated []uint64
	for i := 0; i < blockSize+5; i++ {
		allocated = append(allocated, a1.Allocate(src))
	}
	a1.Retire(src, allocated[3])
	require.NoError(t, store1.Close())

	store2, err := OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	a2, err := NewIDAllocatorWithStore(store2)
	require.NoError(t, err)

	// The retired id must be reused first.
	assert.Equal(t, allocated[3], a2.Allocate(src))

	// Allocation continues past the persisted block boundary without
	// reusing any id handed out before the restart.
	next := a2.Allocate(src)
	assert.NotContains(t, allocated, next)
}

func TestStoreLoadAllOnEmptyDatabaseYieldsDefaultBlockBase(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sources, nextBlockBase, err := store.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.Equal(t, uint64(1), nextBlockBase)
}

func TestDifferentSourcesPersistIndependently(t *testing.T) {
	dir := t.TempDir()
	s1 := bundle.EID{Node: 1, Service: 0}
	s2 := bundle.EID{Node: 2, Service: 0}

	store, err := OpenStore(dir)
	require.NoError(t, err)

	a, err := NewIDAllocatorWithStore(store)
	require.NoError(t, err)
	id1 := a.Allocate(s1)
	id2 := a.Allocate(s2)
	require.NoError(t, store.Close())

	store2, err := OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	sources, _, err := store2.LoadAll()
	require.NoError(t, err)
	require.Contains(t, sources, s1)
	require.Contains(t, sources, s2)
	assert.NotEqual(t, id1, id2)
}
