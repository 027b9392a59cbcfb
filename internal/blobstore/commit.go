package blobstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/blobnode/internal/blobindex"
	"github.com/dreamware/blobnode/internal/replctl"
	"github.com/dreamware/blobnode/internal/shardmeta"
)

// ErrNotYetKnown signals the replication engine should retry the hint
// callback later — the PG or shard this record names has not replicated
// to this node yet. It is not a terminal BlobError: the engine, not the
// original caller, sees this value.
var ErrNotYetKnown = errors.New("blobstore: pg or shard not yet known, retry later")

// BlobPutGetBlkAllocHints is invoked by the replication engine on every
// replica while it decides where to place a pending write's blocks.
func (m *Manager) BlobPutGetBlkAllocHints(ctx context.Context, header replctl.ReplicationMessageHeader) (replctl.BlkAllocHints, error) {
	pg, _ := shardmeta.DecodeShardID(header.ShardID)
	if pg != m.pgID {
		return replctl.BlkAllocHints{}, ErrNotYetKnown
	}
	shard, ok := m.shards.GetShardInfo(header.ShardID)
	if !ok {
		return replctl.BlkAllocHints{}, ErrNotYetKnown
	}

	hints := replctl.BlkAllocHints{ChunkIDHint: shard.PChunkID}
	if m.repl.IsLeader() {
		blkSize := m.repl.BlkSize()
		if blkSize > 0 {
			hints.ReservedBlks = uint32((uint64(header.PayloadSize) + blkSize - 1) / blkSize)
		}
	}

	if header.BlobID != 0 {
		if val, found, err := m.index.Get(ctx, blobindex.Key{ShardID: header.ShardID, BlobID: header.BlobID}); err == nil && found {
			v := val
			hints.CommittedBlkID = &v
		}
	}
	return hints, nil
}

// OnBlobPutCommit applies a committed PUT_BLOB record: insert
// (shard_id, blob_id) -> pbas into the PG index, and only on the first
// application of this key, bump the durable counters. Replay of an
// already-applied commit (exist_already) is intentionally a no-op for
// the counters — they were already bumped in the proposer path before
// the superblock checkpoint that precedes this replay.
func (m *Manager) OnBlobPutCommit(ctx context.Context, lsn uint64, header replctl.ReplicationMessageHeader, pbas replctl.MultiBlkId) error {
	key := blobindex.Key{ShardID: header.ShardID, BlobID: header.BlobID}
	status, _, err := m.index.Put(ctx, key, pbas, blobindex.PutInsert)
	if err != nil {
		return NewBlobError(ErrIndexError, err)
	}

	switch status {
	case blobindex.StatusSuccess:
		m.counters.BumpBlobSequenceNumTo(header.BlobID + 1)
		m.counters.IncrActiveBlobCount(1)
		m.counters.AddTotalOccupiedBlkCount(pbas.BlkCount())
	case blobindex.StatusKeyExists:
		m.log.Debug("put commit replay, skipping counter update", zap.Uint64("shard_id", header.ShardID), zap.Uint64("blob_id", header.BlobID))
	default:
		return NewBlobError(ErrIndexError, fmt.Errorf("unexpected index status %v on put commit", status))
	}
	return nil
}

// OnBlobDelCommit applies a committed DEL_BLOB record. An index error
// here, other than the key simply being absent, is treated as an
// invariant violation rather than a normal error return: tolerating it
// would leak blocks silently, which is strictly worse than crashing loud.
func (m *Manager) OnBlobDelCommit(ctx context.Context, lsn uint64, header replctl.ReplicationMessageHeader) error {
	key := blobindex.Key{ShardID: header.ShardID, BlobID: header.BlobID}

	existing, found, err := m.index.Get(ctx, key)
	if err != nil {
		panic(fmt.Sprintf("blobstore: index error on delete commit (shard=%d blob=%d): %v", header.ShardID, header.BlobID, err))
	}
	if !found {
		m.log.Warn("delete commit for unknown key, tolerating as baseline-resync race",
			zap.Uint64("shard_id", header.ShardID), zap.Uint64("blob_id", header.BlobID))
		return nil
	}
	if existing.IsTombstone() {
		m.log.Warn("delete commit for already-tombstoned blob",
			zap.Uint64("shard_id", header.ShardID), zap.Uint64("blob_id", header.BlobID))
		return nil
	}

	status, _, err := m.index.Put(ctx, key, replctl.TombstonePbas, blobindex.PutUpdate)
	if err != nil {
		panic(fmt.Sprintf("blobstore: index error tombstoning (shard=%d blob=%d): %v", header.ShardID, header.BlobID, err))
	}
	if status != blobindex.StatusSuccess {
		panic(fmt.Sprintf("blobstore: index invariant violated tombstoning (shard=%d blob=%d): status=%v", header.ShardID, header.BlobID, status))
	}

	go func(pbas replctl.MultiBlkId) {
		<-m.repl.AsyncFreeBlks(context.Background(), lsn, pbas)
		m.counters.IncrActiveBlobCount(-1)
		m.counters.IncrTombstoneBlobCount(1)
	}(existing)
	return nil
}

// OnBlobMessageRollback logs a rolled-back record. No durable state has
// been touched; the originating Put/Delete call already observed the
// failure via its WriteResult — blob_sequence_num's fetch_add is
// intentionally not reclaimed, so ids remain monotonic even across a
// rollback.
func (m *Manager) OnBlobMessageRollback(ctx context.Context, header replctl.ReplicationMessageHeader, cause error) {
	m.log.Warn("replication record rolled back",
		zap.String("msg_type", header.MsgType.String()),
		zap.Uint64("shard_id", header.ShardID),
		zap.Uint64("blob_id", header.BlobID),
		zap.Error(cause))
}
