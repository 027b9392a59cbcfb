package replctl

import "context"

// ReplDev is the slice of the replication engine this node consumes:
// leadership/readiness queries, the underlying block device's geometry,
// and the three async operations the blob pipeline drives it with. The
// real engine also runs leader election, log replay across peers, and
// crash recovery — none of that is modeled here.
type ReplDev interface {
	// IsLeader reports whether this replica currently leads the PG's
	// replication group.
	IsLeader() bool
	// LeaderID returns the current leader's identity, for NOT_LEADER
	// hints to callers that hit a non-leader replica.
	LeaderID() string
	// IsReadyForTraffic reports whether this replica has caught up
	// enough to safely serve new proposals.
	IsReadyForTraffic() bool
	// BlkSize returns the device's fixed block size in bytes.
	BlkSize() uint64

	// AsyncAllocWrite proposes a replication record: header carries the
	// record metadata, key is the record's dedupe key (an 8-byte
	// blob_id), sgs is the scatter-gather payload to write
	// (header bytes, user key, body, padding). The returned channel
	// yields exactly once, after the engine has both allocated blocks
	// and — for the leader that originated the call — run the matching
	// commit callback.
	AsyncAllocWrite(ctx context.Context, header ReplicationMessageHeader, key []byte, sgs [][]byte, partOfBatch bool, traceID string) <-chan WriteResult

	// AsyncRead reads the bytes at blkID into a caller-visible buffer of
	// size bytes (the allocation is always a whole number of blocks; the
	// caller trims to the logical length itself).
	AsyncRead(ctx context.Context, blkID MultiBlkId, size uint64) <-chan ReadResult

	// AsyncFreeBlks releases blkID's blocks back to the allocator once
	// lsn has been durably committed. Failure is tolerated by callers —
	// GC reclaims anything missed.
	AsyncFreeBlks(ctx context.Context, lsn uint64, blkID MultiBlkId) <-chan error
}

// CommitHandler is implemented by the blob pipeline and invoked by the
// replication engine once a record reaches its commit point (in log
// order) or is rolled back before ever committing.
type CommitHandler interface {
	// OnBlobPutCommit applies a committed PUT_BLOB record: insert
	// (shard_id, blob_id) -> pbas into the PG index and, if genuinely
	// new, bump the durable counters.
	OnBlobPutCommit(ctx context.Context, lsn uint64, header ReplicationMessageHeader, pbas MultiBlkId) error
	// OnBlobDelCommit applies a committed DEL_BLOB record: tombstone the
	// index entry and, on first application, bump the durable counters.
	OnBlobDelCommit(ctx context.Context, lsn uint64, header ReplicationMessageHeader) error
	// OnBlobMessageRollback is told that a record was rolled back before
	// committing; no durable state is touched. It does not resolve the
	// originating proposer's result with ROLL_BACK: the proposer sees
	// whatever error the ReplDev delivers on the AsyncAllocWrite channel.
	OnBlobMessageRollback(ctx context.Context, header ReplicationMessageHeader, cause error)
	// BlobPutGetBlkAllocHints is called on every replica (leader and
	// followers) while the engine is deciding where to place a pending
	// write's blocks.
	BlobPutGetBlkAllocHints(ctx context.Context, header ReplicationMessageHeader) (BlkAllocHints, error)
}
