package chunkselector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeviceHeap_SelectMostAvailableFirst mirrors spec.md's scenario 6: a
// device holding chunks with free blocks {10, 30, 20} must pop 30 then 20
// then 10.
func TestDeviceHeap_SelectMostAvailableFirst(t *testing.T) {
	h := NewDeviceHeap()
	h.AddTotal(60)
	h.Push(NewExtendedChunk(1, 0, 20, 10))
	h.Push(NewExtendedChunk(2, 0, 30, 30))
	h.Push(NewExtendedChunk(3, 0, 20, 20))

	first := h.Pop()
	require.NotNil(t, first)
	assert.EqualValues(t, 2, first.PChunkID)

	second := h.Pop()
	require.NotNil(t, second)
	assert.EqualValues(t, 3, second.PChunkID)

	third := h.Pop()
	require.NotNil(t, third)
	assert.EqualValues(t, 1, third.PChunkID)

	assert.Nil(t, h.Pop())
}

func TestDeviceHeap_PopNAllOrNothing(t *testing.T) {
	h := NewDeviceHeap()
	h.Push(NewExtendedChunk(1, 0, 10, 10))
	h.Push(NewExtendedChunk(2, 0, 10, 5))

	_, ok := h.PopN(3)
	assert.False(t, ok)
	assert.Equal(t, 2, h.Size(), "PopN must not pop anything on failure")

	got, ok := h.PopN(2)
	require.True(t, ok)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, h.Size())
}

func TestDeviceHeap_AvailableBlkCountTracksPushAndPop(t *testing.T) {
	h := NewDeviceHeap()
	h.Push(NewExtendedChunk(1, 0, 10, 10))
	h.Push(NewExtendedChunk(2, 0, 10, 5))
	assert.EqualValues(t, 15, h.AvailableBlkCount())

	h.Pop()
	assert.EqualValues(t, 5, h.AvailableBlkCount())
}
