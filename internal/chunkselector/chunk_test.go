package chunkselector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedChunk_NewIsAvailableAndUnbound(t *testing.T) {
	c := NewExtendedChunk(1, 0, 1000, 1000)
	assert.Equal(t, ChunkAvailable, c.State())
	assert.True(t, c.Available())
	assert.Nil(t, c.Binding())
	assert.EqualValues(t, 1000, c.AvailableBlks())
}

func TestExtendedChunk_SetAvailableBlks(t *testing.T) {
	c := NewExtendedChunk(1, 0, 1000, 1000)
	c.SetAvailableBlks(500)
	assert.EqualValues(t, 500, c.AvailableBlks())
}

func TestExtendedChunk_BindingIsACopy(t *testing.T) {
	c := NewExtendedChunk(1, 0, 1000, 1000)
	c.setBinding(&Binding{PGID: 7, VChunkID: 3})
	b := c.Binding()
	require.NotNil(t, b)
	b.VChunkID = 99
	assert.EqualValues(t, 3, c.Binding().VChunkID)
}

func TestChunkState_String(t *testing.T) {
	assert.Equal(t, "available", ChunkAvailable.String())
	assert.Equal(t, "inuse", ChunkInUse.String())
	assert.Equal(t, "gc", ChunkGC.String())
	assert.Equal(t, "unknown", ChunkState(99).String())
}
