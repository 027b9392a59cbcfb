package chunkselector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGChunkCollection_AddBoundAssignsDenseVChunkIDs(t *testing.T) {
	coll := NewPGChunkCollection()
	v0 := coll.AddBound(NewExtendedChunk(1, 0, 10, 10))
	v1 := coll.AddBound(NewExtendedChunk(2, 0, 10, 10))
	assert.EqualValues(t, 0, v0)
	assert.EqualValues(t, 1, v1)
	assert.Equal(t, 2, coll.Len())
}

func TestPGChunkCollection_PopMostAvailableTransitionsToInUse(t *testing.T) {
	coll := NewPGChunkCollection()
	coll.AddBound(NewExtendedChunk(1, 0, 10, 5))
	coll.AddBound(NewExtendedChunk(2, 0, 10, 9))

	vid, chunk, ok := coll.PopMostAvailable()
	require.True(t, ok)
	assert.EqualValues(t, 1, vid)
	assert.EqualValues(t, 2, chunk.PChunkID)
	assert.Equal(t, ChunkInUse, chunk.State())
	assert.EqualValues(t, 1, coll.AvailableNumChunks())
}

func TestPGChunkCollection_SelectSpecificFailsWhenNotAvailable(t *testing.T) {
	coll := NewPGChunkCollection()
	coll.AddBound(NewExtendedChunk(1, 0, 10, 10))
	_, _, ok := coll.PopMostAvailable()
	require.True(t, ok)

	_, ok = coll.SelectSpecific(0)
	assert.False(t, ok, "already INUSE chunk cannot be selected again")
}

func TestPGChunkCollection_SelectSpecificRemovesFromHeapWithoutDisturbingOthers(t *testing.T) {
	coll := NewPGChunkCollection()
	coll.AddBound(NewExtendedChunk(1, 0, 10, 5))
	coll.AddBound(NewExtendedChunk(2, 0, 10, 50))
	coll.AddBound(NewExtendedChunk(3, 0, 10, 25))

	chunk, ok := coll.SelectSpecific(2)
	require.True(t, ok)
	assert.EqualValues(t, 3, chunk.PChunkID)
	assert.EqualValues(t, 2, coll.AvailableNumChunks())

	vid, top, ok := coll.PopMostAvailable()
	require.True(t, ok)
	assert.EqualValues(t, 1, vid)
	assert.EqualValues(t, 2, top.PChunkID)
}

func TestPGChunkCollection_MarkAvailableReinsertsIntoHeap(t *testing.T) {
	coll := NewPGChunkCollection()
	coll.AddBound(NewExtendedChunk(1, 0, 10, 10))
	vid, _, _ := coll.PopMostAvailable()

	ok := coll.MarkAvailable(vid)
	require.True(t, ok)
	assert.EqualValues(t, 1, coll.AvailableNumChunks())

	got, _, ok := coll.PopMostAvailable()
	require.True(t, ok)
	assert.EqualValues(t, vid, got)
}

func TestPGChunkCollection_ReplaceBindingSwapsPointerOnly(t *testing.T) {
	coll := NewPGChunkCollection()
	coll.AddBound(NewExtendedChunk(1, 0, 10, 10))
	replacement := NewExtendedChunk(2, 0, 10, 10)

	coll.ReplaceBinding(0, replacement)
	assert.Same(t, replacement, coll.Get(0))
}
