package replctl

import (
	"encoding/binary"
	"hash/crc32"
)

// MsgType distinguishes the two replication record kinds this node emits.
type MsgType uint8

const (
	MsgPutBlob MsgType = iota + 1
	MsgDelBlob
)

func (t MsgType) String() string {
	switch t {
	case MsgPutBlob:
		return "PUT_BLOB"
	case MsgDelBlob:
		return "DEL_BLOB"
	default:
		return "UNKNOWN"
	}
}

// headerWireSize is the fixed encoded size of ReplicationMessageHeader,
// matching the field list in spec (msg_type, pg_id, shard_id, blob_id,
// payload_size, payload_crc, header_crc).
const headerWireSize = 1 + 2 + 8 + 8 + 4 + 4 + 4

// ReplicationMessageHeader is the on-wire record header the proposer
// attaches to every replication log entry. HeaderCRC seals the other
// fields; a mismatch on the receiving side means the header itself was
// corrupted in flight or at rest.
type ReplicationMessageHeader struct {
	MsgType     MsgType
	PGID        uint16
	ShardID     uint64
	BlobID      uint64
	PayloadSize uint32
	PayloadCRC  uint32
	HeaderCRC   uint32
}

// Marshal encodes h, little-endian, with HeaderCRC written as given (the
// caller computes it via Seal first).
func (h ReplicationMessageHeader) Marshal() []byte {
	buf := make([]byte, headerWireSize)
	buf[0] = byte(h.MsgType)
	binary.LittleEndian.PutUint16(buf[1:3], h.PGID)
	binary.LittleEndian.PutUint64(buf[3:11], h.ShardID)
	binary.LittleEndian.PutUint64(buf[11:19], h.BlobID)
	binary.LittleEndian.PutUint32(buf[19:23], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[23:27], h.PayloadCRC)
	binary.LittleEndian.PutUint32(buf[27:31], h.HeaderCRC)
	return buf
}

// UnmarshalReplicationMessageHeader decodes a wire-format header.
func UnmarshalReplicationMessageHeader(buf []byte) (ReplicationMessageHeader, bool) {
	if len(buf) < headerWireSize {
		return ReplicationMessageHeader{}, false
	}
	return ReplicationMessageHeader{
		MsgType:     MsgType(buf[0]),
		PGID:        binary.LittleEndian.Uint16(buf[1:3]),
		ShardID:     binary.LittleEndian.Uint64(buf[3:11]),
		BlobID:      binary.LittleEndian.Uint64(buf[11:19]),
		PayloadSize: binary.LittleEndian.Uint32(buf[19:23]),
		PayloadCRC:  binary.LittleEndian.Uint32(buf[23:27]),
		HeaderCRC:   binary.LittleEndian.Uint32(buf[27:31]),
	}, true
}

// Seal computes and stores HeaderCRC over every other field.
func (h *ReplicationMessageHeader) Seal() {
	h.HeaderCRC = 0
	h.HeaderCRC = crc32.ChecksumIEEE(h.Marshal())
}

// Verify reports whether HeaderCRC matches the other fields — false means
// the header was corrupted.
func (h ReplicationMessageHeader) Verify() bool {
	got := h.HeaderCRC
	h.HeaderCRC = 0
	return crc32.ChecksumIEEE(h.Marshal()) == got
}
