// Package blobstore implements the blob PUT/GET/DELETE pipeline: on-disk
// header layout and CRC validation, the proposer-side flows that build
// and submit replication records, and the commit/rollback handlers that
// apply replication decisions to the per-PG index and durable counters.
package blobstore

import (
	"encoding/binary"
	"hash/crc32"
)

// blobHeaderMagic/Version identify this node's on-disk blob header format,
// so a misrouted or stale read fails fast instead of decoding garbage.
const (
	blobHeaderMagic   uint32 = 0x424c4f42 // "BLOB"
	blobHeaderVersion uint16 = 1
	// headerAlign is the byte alignment data_offset is rounded up to —
	// a plain word alignment for header-field access, independent of
	// the device's own block-size padding applied to the whole record.
	headerAlign = 8
)

// RecordType distinguishes header kinds; only BLOB_INFO exists today, but
// the field mirrors the original format's room for future record types.
type RecordType uint8

const RecordBlobInfo RecordType = 1

// HashAlgorithm identifies which digest header.Hash holds.
type HashAlgorithm uint8

const HashCRC32 HashAlgorithm = 1

// headerWireSize is the fixed encoded size of BlobHeader.
const headerWireSize = 4 + 2 + 1 + 1 + 8 + 8 + 4 + 2 + 8 + 4 + 4 + 4

// BlobHeader is the fixed-size record written at the start of every PUT's
// block range, as laid out in the data model: magic/version, record type,
// shard_id, blob_id, hash algorithm, blob_size, user_key_size,
// object_offset, data_offset, hash, and a seal checksum over the header
// itself.
type BlobHeader struct {
	Magic         uint32
	Version       uint16
	Type          RecordType
	HashAlgorithm HashAlgorithm
	ShardID       uint64
	BlobID        uint64
	BlobSize      uint32
	UserKeySize   uint16
	ObjectOffset  uint64
	DataOffset    uint32
	Hash          uint32
	Seal          uint32
}

// NewBlobHeader returns a header with magic/version/type/algorithm filled
// in and DataOffset computed from userKeySize; callers still need to set
// Hash and call SealHeader before writing it out.
func NewBlobHeader(shardID, blobID uint64, blobSize uint32, userKeySize uint16, objectOffset uint64) BlobHeader {
	h := BlobHeader{
		Magic:         blobHeaderMagic,
		Version:       blobHeaderVersion,
		Type:          RecordBlobInfo,
		HashAlgorithm: HashCRC32,
		ShardID:       shardID,
		BlobID:        blobID,
		BlobSize:      blobSize,
		UserKeySize:   userKeySize,
		ObjectOffset:  objectOffset,
	}
	h.DataOffset = alignUp(uint32(headerWireSize)+uint32(userKeySize), headerAlign)
	return h
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) / align * align
}

// Marshal encodes h, little-endian, with Seal written as given (the
// caller computes it via SealHeader first).
func (h BlobHeader) Marshal() []byte {
	buf := make([]byte, headerWireSize)
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], h.Magic)
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], h.Version)
	i += 2
	buf[i] = byte(h.Type)
	i++
	buf[i] = byte(h.HashAlgorithm)
	i++
	binary.LittleEndian.PutUint64(buf[i:], h.ShardID)
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], h.BlobID)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], h.BlobSize)
	i += 4
	binary.LittleEndian.PutUint16(buf[i:], h.UserKeySize)
	i += 2
	binary.LittleEndian.PutUint64(buf[i:], h.ObjectOffset)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], h.DataOffset)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], h.Hash)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], h.Seal)
	return buf
}

// UnmarshalBlobHeader decodes a wire-format header from the front of buf.
func UnmarshalBlobHeader(buf []byte) (BlobHeader, bool) {
	if len(buf) < headerWireSize {
		return BlobHeader{}, false
	}
	i := 0
	h := BlobHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.Version = binary.LittleEndian.Uint16(buf[i:])
	i += 2
	h.Type = RecordType(buf[i])
	i++
	h.HashAlgorithm = HashAlgorithm(buf[i])
	i++
	h.ShardID = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	h.BlobID = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	h.BlobSize = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.UserKeySize = binary.LittleEndian.Uint16(buf[i:])
	i += 2
	h.ObjectOffset = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	h.DataOffset = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.Hash = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.Seal = binary.LittleEndian.Uint32(buf[i:])
	return h, true
}

// SealHeader computes and stores the header's seal checksum over every
// other field.
func (h *BlobHeader) SealHeader() {
	h.Seal = 0
	h.Seal = crc32.ChecksumIEEE(h.Marshal())
}

// VerifySeal reports whether the header's seal matches its other fields.
func (h BlobHeader) VerifySeal() bool {
	if h.Magic != blobHeaderMagic || h.Version != blobHeaderVersion {
		return false
	}
	got := h.Seal
	h.Seal = 0
	return crc32.ChecksumIEEE(h.Marshal()) == got
}

// ComputePayloadHash implements the chained CRC32 the data model
// specifies: seed the checksum with body, then continue the same running
// checksum through userKey. This chaining — not two independent CRCs
// compared separately — is what makes swapping a blob's body with
// another blob's body of the same length (but different key) detectable.
func ComputePayloadHash(body, userKey []byte) uint32 {
	h := crc32.ChecksumIEEE(body)
	if len(userKey) > 0 {
		h = crc32.Update(h, crc32.IEEETable, userKey)
	}
	return h
}
