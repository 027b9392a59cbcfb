package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobHeader_MarshalUnmarshalRoundTrips(t *testing.T) {
	h := NewBlobHeader(0x0001_0000_0000_0001, 42, 100, 3, 0)
	h.Hash = 0xdeadbeef
	h.SealHeader()

	buf := h.Marshal()
	got, ok := UnmarshalBlobHeader(buf)
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.True(t, got.VerifySeal())
}

func TestBlobHeader_UnmarshalTooShortFails(t *testing.T) {
	_, ok := UnmarshalBlobHeader(make([]byte, 4))
	assert.False(t, ok)
}

func TestBlobHeader_VerifySealFailsOnTamper(t *testing.T) {
	h := NewBlobHeader(1, 1, 10, 0, 0)
	h.Hash = 123
	h.SealHeader()

	h.BlobSize = 999
	assert.False(t, h.VerifySeal())
}

func TestBlobHeader_VerifySealFailsOnWrongMagicOrVersion(t *testing.T) {
	h := NewBlobHeader(1, 1, 10, 0, 0)
	h.SealHeader()

	bad := h
	bad.Magic = 0
	assert.False(t, bad.VerifySeal())

	bad = h
	bad.Version = 99
	assert.False(t, bad.VerifySeal())
}

func TestBlobHeader_DataOffsetAlignedPastHeaderAndKey(t *testing.T) {
	h := NewBlobHeader(1, 1, 10, 3, 0)
	assert.GreaterOrEqual(t, h.DataOffset, uint32(headerWireSize+3))
	assert.EqualValues(t, 0, h.DataOffset%headerAlign)
}

func TestComputePayloadHash_ChainsBodyThenKey(t *testing.T) {
	h1 := ComputePayloadHash([]byte("body"), []byte("key"))
	h2 := ComputePayloadHash([]byte("body"), []byte("key"))
	assert.Equal(t, h1, h2)

	// Keeping the body but changing the key to another of the same length
	// must change the chained hash, not just leave the body-only CRC.
	h3 := ComputePayloadHash([]byte("body"), []byte("xey"))
	assert.NotEqual(t, h1, h3)
}

func TestComputePayloadHash_EmptyUserKey(t *testing.T) {
	withEmpty := ComputePayloadHash([]byte("body"), nil)
	withNoKeyArg := ComputePayloadHash([]byte("body"), []byte{})
	assert.Equal(t, withEmpty, withNoKeyArg)
}
