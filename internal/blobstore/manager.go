package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/blobnode/internal/blobindex"
	"github.com/dreamware/blobnode/internal/pgsuper"
	"github.com/dreamware/blobnode/internal/quiesce"
	"github.com/dreamware/blobnode/internal/replctl"
	"github.com/dreamware/blobnode/internal/shardmeta"
)

// Manager runs the PUT/GET/DELETE pipeline for one placement group. It
// implements replctl.CommitHandler, so the ReplDev it is paired with can
// call back into it as replication decisions land.
type Manager struct {
	pgID     uint64
	repl     replctl.ReplDev
	index    blobindex.IndexTable
	counters *pgsuper.DurableCounters
	shards   ShardResolver
	gate     *quiesce.Gate
	log      *zap.Logger

	diskDown atomic.Bool
}

// NewManager wires a Manager for PG pgID. repl must not yet be accepting
// traffic that references this Manager as its CommitHandler — callers
// typically construct the Manager first, then call
// replDev.SetCommitHandler(manager) once it is ready.
func NewManager(pgID uint64, repl replctl.ReplDev, index blobindex.IndexTable, counters *pgsuper.DurableCounters, shards ShardResolver, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		pgID:     pgID,
		repl:     repl,
		index:    index,
		counters: counters,
		shards:   shards,
		gate:     quiesce.New(),
		log:      log,
	}
}

// SetDiskDown flags or clears this PG's disk-down state; while set, Put
// and Delete refuse new writes.
func (m *Manager) SetDiskDown(down bool) { m.diskDown.Store(down) }

// Gate exposes the manager's pending-request gate so cmd/blobnoded can
// drain it during shutdown.
func (m *Manager) Gate() *quiesce.Gate { return m.gate }

func blobIDKey(blobID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, blobID)
	return buf
}

func zeroPad(n uint32) []byte {
	if n == 0 {
		return nil
	}
	return make([]byte, n)
}

// Put proposes a new blob write. The node must first be up and the PG's
// disk must not be flagged down; only then is the blob_id allocated, so a
// client is never handed an id for a request that was rejected outright.
func (m *Manager) Put(ctx context.Context, shard shardmeta.ShardInfo, req PutRequest) (uint64, error) {
	if !m.gate.Enter() {
		return 0, NewBlobError(ErrShuttingDown, nil)
	}
	defer m.gate.Exit()

	if m.diskDown.Load() {
		return 0, NewNotLeaderError(m.repl.LeaderID())
	}

	blobID := m.counters.FetchAddBlobSequenceNum()

	if !m.repl.IsLeader() {
		return blobID, NewNotLeaderError(m.repl.LeaderID())
	}
	if !m.repl.IsReadyForTraffic() {
		return blobID, NewBlobError(ErrRetryRequest, nil)
	}

	hash := ComputePayloadHash(req.Body, req.UserKey)
	header := NewBlobHeader(shard.ID, blobID, uint32(len(req.Body)), uint16(len(req.UserKey)), req.ObjectOffset)
	header.Hash = hash
	header.SealHeader()

	blkSize := m.repl.BlkSize()
	headerBuf := header.Marshal()
	pad1 := zeroPad(header.DataOffset - uint32(len(headerBuf)) - uint32(len(req.UserKey)))
	recordLen := uint64(header.DataOffset) + uint64(len(req.Body))
	pad2Len := uint32(0)
	if rem := recordLen % blkSize; rem != 0 {
		pad2Len = uint32(blkSize - rem)
	}
	sgs := [][]byte{headerBuf, req.UserKey, pad1, req.Body, zeroPad(pad2Len)}

	replHeader := replctl.ReplicationMessageHeader{
		MsgType:     replctl.MsgPutBlob,
		PGID:        uint16(m.pgID),
		ShardID:     shard.ID,
		BlobID:      blobID,
		PayloadSize: uint32(recordLen) + pad2Len,
	}
	replHeader.PayloadCRC = hash
	replHeader.Seal()

	res := <-m.repl.AsyncAllocWrite(ctx, replHeader, blobIDKey(blobID), sgs, false, req.TraceID)
	if res.Err != nil {
		return blobID, toBlobError(res.Err)
	}
	return blobID, nil
}

// Get reads back a previously committed blob.
func (m *Manager) Get(ctx context.Context, shard shardmeta.ShardInfo, blobID uint64, offset, length uint64) (*Blob, error) {
	if !m.gate.Enter() {
		return nil, NewBlobError(ErrShuttingDown, nil)
	}
	defer m.gate.Exit()

	pbas, found, err := m.index.Get(ctx, blobindex.Key{ShardID: shard.ID, BlobID: blobID})
	if err != nil {
		return nil, NewBlobError(ErrIndexError, err)
	}
	if !found || pbas.IsTombstone() {
		return nil, NewBlobError(ErrUnknownBlob, nil)
	}

	blkSize := m.repl.BlkSize()
	readSize := pbas.BlkCount() * blkSize
	res := <-m.repl.AsyncRead(ctx, pbas, readSize)
	if res.Err != nil {
		return nil, NewBlobError(ErrReadFailed, res.Err)
	}

	header, ok := UnmarshalBlobHeader(res.Data)
	if !ok || !header.VerifySeal() {
		return nil, NewBlobError(ErrChecksumMismatch, nil)
	}
	if header.ShardID != shard.ID {
		return nil, NewBlobError(ErrReadFailed, fmt.Errorf("shard_id mismatch: header=%d want=%d", header.ShardID, shard.ID))
	}

	userKeyStart := headerWireSize
	userKeyEnd := userKeyStart + int(header.UserKeySize)
	if userKeyEnd > len(res.Data) || int(header.DataOffset)+int(header.BlobSize) > len(res.Data) {
		return nil, NewBlobError(ErrReadFailed, fmt.Errorf("record shorter than header declares"))
	}
	userKey := res.Data[userKeyStart:userKeyEnd]
	body := res.Data[header.DataOffset : int(header.DataOffset)+int(header.BlobSize)]

	if ComputePayloadHash(body, userKey) != header.Hash {
		return nil, NewBlobError(ErrChecksumMismatch, nil)
	}

	if offset > uint64(header.BlobSize) {
		return nil, NewBlobError(ErrInvalidArg, nil)
	}
	if length == 0 {
		length = uint64(header.BlobSize) - offset
	}
	if offset+length > uint64(header.BlobSize) {
		return nil, NewBlobError(ErrInvalidArg, nil)
	}

	out := make([]byte, length)
	copy(out, body[offset:offset+length])
	keyOut := make([]byte, len(userKey))
	copy(keyOut, userKey)

	return &Blob{
		Body:         out,
		UserKey:      keyOut,
		ObjectOffset: header.ObjectOffset,
		LeaderHint:   m.repl.LeaderID(),
	}, nil
}

// Delete proposes a tombstone write. Only the leader may originate a
// delete.
func (m *Manager) Delete(ctx context.Context, shard shardmeta.ShardInfo, blobID uint64, traceID string) error {
	if !m.gate.Enter() {
		return NewBlobError(ErrShuttingDown, nil)
	}
	defer m.gate.Exit()

	if m.diskDown.Load() {
		return NewNotLeaderError(m.repl.LeaderID())
	}
	if !m.repl.IsLeader() {
		return NewNotLeaderError(m.repl.LeaderID())
	}

	replHeader := replctl.ReplicationMessageHeader{
		MsgType: replctl.MsgDelBlob,
		PGID:    uint16(m.pgID),
		ShardID: shard.ID,
		BlobID:  blobID,
	}
	replHeader.Seal()

	res := <-m.repl.AsyncAllocWrite(ctx, replHeader, blobIDKey(blobID), nil, false, traceID)
	if res.Err != nil {
		return toBlobError(res.Err)
	}
	return nil
}
