package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/blobnode/internal/blobindex"
	"github.com/dreamware/blobnode/internal/pgsuper"
	"github.com/dreamware/blobnode/internal/replctl"
	"github.com/dreamware/blobnode/internal/shardmeta"
)

type fakeShardResolver struct {
	shards map[uint64]shardmeta.ShardInfo
}

func (r *fakeShardResolver) GetShardInfo(id uint64) (shardmeta.ShardInfo, bool) {
	s, ok := r.shards[id]
	return s, ok
}

func newTestManager(t *testing.T) (*Manager, *replctl.FakeReplDev, *fakeShardResolver) {
	t.Helper()
	repl := replctl.NewFakeReplDev(512, "node-1", nil)
	idx := blobindex.NewMemIndexTable()
	counters := &pgsuper.DurableCounters{}
	shards := &fakeShardResolver{shards: map[uint64]shardmeta.ShardInfo{}}
	mgr := NewManager(1, repl, idx, counters, shards, nil)
	repl.SetCommitHandler(mgr)
	t.Cleanup(repl.Close)
	return mgr, repl, shards
}

// shardID is spec.md scenario 1's example: pg=1, shard-local 1.
const testShardID = uint64(0x0001_0000_0000_0001)

func testShard() shardmeta.ShardInfo {
	return shardmeta.ShardInfo{ID: testShardID, PlacementGroup: 1, PChunkID: 7, State: shardmeta.ShardOpen}
}

// TestManager_BasicPutGet is spec.md scenario 1.
func TestManager_BasicPutGet(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("hello"), UserKey: []byte("k")})
	require.NoError(t, err)
	assert.EqualValues(t, 0, blobID)

	blob, err := mgr.Get(ctx, testShard(), blobID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(blob.Body))
	assert.Equal(t, "k", string(blob.UserKey))
	assert.EqualValues(t, 0, blob.ObjectOffset)
}

// TestManager_UnalignedBody is spec.md scenario 2.
func TestManager_UnalignedBody(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("abcde"), UserKey: []byte("k")})
	require.NoError(t, err)

	blob, err := mgr.Get(ctx, testShard(), blobID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(blob.Body))
}

// TestManager_RangeRead is spec.md scenario 3.
func TestManager_RangeRead(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	body := make([]byte, 100)
	for i := range body {
		body[i] = byte(i)
	}
	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: body, UserKey: []byte("k")})
	require.NoError(t, err)

	blob, err := mgr.Get(ctx, testShard(), blobID, 40, 20)
	require.NoError(t, err)
	assert.Equal(t, body[40:60], blob.Body)

	_, err = mgr.Get(ctx, testShard(), blobID, 90, 20)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidArg, CodeOf(err))
}

// TestManager_HashTamperDetected is spec.md scenario 4.
func TestManager_HashTamperDetected(t *testing.T) {
	mgr, repl, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("hello"), UserKey: []byte("k")})
	require.NoError(t, err)

	pbas, found, err := mgr.index.Get(ctx, blobindex.Key{ShardID: testShardID, BlobID: blobID})
	require.NoError(t, err)
	require.True(t, found)
	repl.CorruptByteAt(pbas, 4) // flips a header field, breaking the seal

	_, err = mgr.Get(ctx, testShard(), blobID, 0, 0)
	require.Error(t, err)
	assert.Equal(t, ErrChecksumMismatch, CodeOf(err))
}

// TestManager_DeleteThenGet is spec.md scenario 5.
func TestManager_DeleteThenGet(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("hello"), UserKey: []byte("k")})
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, testShard(), blobID, ""))

	_, err = mgr.Get(ctx, testShard(), blobID, 0, 0)
	require.Error(t, err)
	assert.Equal(t, ErrUnknownBlob, CodeOf(err))

	assert.EqualValues(t, 0, mgr.counters.ActiveBlobCount())
	assert.EqualValues(t, 1, mgr.counters.TombstoneBlobCount())
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("hello"), UserKey: []byte("k")})
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(ctx, testShard(), blobID, ""))
	require.NoError(t, mgr.Delete(ctx, testShard(), blobID, ""))

	assert.EqualValues(t, 0, mgr.counters.ActiveBlobCount())
	assert.EqualValues(t, 1, mgr.counters.TombstoneBlobCount())
}

func TestManager_PutCommitReplayDoesNotDoubleCountCounters(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	header := replctl.ReplicationMessageHeader{MsgType: replctl.MsgPutBlob, ShardID: testShardID, BlobID: 5}
	pbas := replctl.MultiBlkId{Ranges: []replctl.BlkRange{{StartBlk: 0, NumBlks: 1}}}

	require.NoError(t, mgr.OnBlobPutCommit(ctx, 1, header, pbas))
	require.NoError(t, mgr.OnBlobPutCommit(ctx, 2, header, pbas))

	assert.EqualValues(t, 1, mgr.counters.ActiveBlobCount())
	assert.EqualValues(t, pbas.BlkCount(), mgr.counters.TotalOccupiedBlkCount())
}

func TestManager_NotLeaderReturnsLeaderHint(t *testing.T) {
	mgr, repl, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	repl.SetLeader(false, "node-2")

	_, err := mgr.Put(context.Background(), testShard(), PutRequest{Body: []byte("x")})
	require.Error(t, err)
	var be *BlobError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrNotLeader, be.Code)
	assert.Equal(t, "node-2", be.CurrentLeader)
}

func TestManager_BlkAllocHintsDedupesCommittedBlob(t *testing.T) {
	mgr, _, shards := newTestManager(t)
	shards.shards[testShardID] = testShard()
	ctx := context.Background()

	// blob_id 0 is never deduped, so put twice and check the second blob
	// (blob_id 1).
	_, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("first"), UserKey: []byte("k")})
	require.NoError(t, err)
	blobID, err := mgr.Put(ctx, testShard(), PutRequest{Body: []byte("hello"), UserKey: []byte("k")})
	require.NoError(t, err)

	hints, err := mgr.BlobPutGetBlkAllocHints(ctx, replctl.ReplicationMessageHeader{ShardID: testShardID, BlobID: blobID})
	require.NoError(t, err)
	require.NotNil(t, hints.CommittedBlkID)
	assert.EqualValues(t, 7, hints.ChunkIDHint)
}

func TestManager_BlkAllocHintsUnknownShardRetriesLater(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.BlobPutGetBlkAllocHints(context.Background(), replctl.ReplicationMessageHeader{ShardID: testShardID})
	assert.ErrorIs(t, err, ErrNotYetKnown)
}
