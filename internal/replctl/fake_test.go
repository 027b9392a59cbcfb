package replctl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	puts      []ReplicationMessageHeader
	dels      []ReplicationMessageHeader
	rollbacks []ReplicationMessageHeader
}

func (h *recordingHandler) OnBlobPutCommit(ctx context.Context, lsn uint64, hdr ReplicationMessageHeader, pbas MultiBlkId) error {
	h.puts = append(h.puts, hdr)
	return nil
}

func (h *recordingHandler) OnBlobDelCommit(ctx context.Context, lsn uint64, hdr ReplicationMessageHeader) error {
	h.dels = append(h.dels, hdr)
	return nil
}

func (h *recordingHandler) OnBlobMessageRollback(ctx context.Context, hdr ReplicationMessageHeader, cause error) {
	h.rollbacks = append(h.rollbacks, hdr)
}

func (h *recordingHandler) BlobPutGetBlkAllocHints(ctx context.Context, hdr ReplicationMessageHeader) (BlkAllocHints, error) {
	return BlkAllocHints{}, nil
}

func TestFakeReplDev_AllocWriteThenReadRoundTrips(t *testing.T) {
	dev := NewFakeReplDev(512, "node-1", nil)
	defer dev.Close()
	h := &recordingHandler{}
	dev.SetCommitHandler(h)

	hdr := ReplicationMessageHeader{MsgType: MsgPutBlob, PGID: 1, ShardID: 1, BlobID: 0}
	res := <-dev.AsyncAllocWrite(context.Background(), hdr, []byte{0, 0, 0, 0, 0, 0, 0, 0}, [][]byte{[]byte("hello")}, false, "")
	require.NoError(t, res.Err)
	require.Len(t, h.puts, 1)

	read := <-dev.AsyncRead(context.Background(), res.Pbas, 5)
	require.NoError(t, read.Err)
	assert.Equal(t, "hello", string(read.Data))
}

func TestFakeReplDev_RejectNextTriggersRollback(t *testing.T) {
	dev := NewFakeReplDev(512, "node-1", nil)
	defer dev.Close()
	h := &recordingHandler{}
	dev.SetCommitHandler(h)
	dev.RejectNext(errors.New("boom"))

	hdr := ReplicationMessageHeader{MsgType: MsgPutBlob}
	res := <-dev.AsyncAllocWrite(context.Background(), hdr, nil, [][]byte{[]byte("x")}, false, "")
	assert.Error(t, res.Err)
	assert.Len(t, h.rollbacks, 1)
	assert.Empty(t, h.puts)
}

func TestFakeReplDev_DeletesDeliverInOrder(t *testing.T) {
	dev := NewFakeReplDev(512, "node-1", nil)
	defer dev.Close()
	h := &recordingHandler{}
	dev.SetCommitHandler(h)

	for i := uint64(0); i < 5; i++ {
		hdr := ReplicationMessageHeader{MsgType: MsgDelBlob, BlobID: i}
		<-dev.AsyncAllocWrite(context.Background(), hdr, nil, nil, false, "")
	}
	require.Len(t, h.dels, 5)
	for i, hdr := range h.dels {
		assert.EqualValues(t, i, hdr.BlobID)
	}
}

func TestReplicationMessageHeader_SealAndVerify(t *testing.T) {
	h := ReplicationMessageHeader{MsgType: MsgPutBlob, PGID: 1, ShardID: 9, BlobID: 3, PayloadSize: 10}
	h.Seal()
	assert.True(t, h.Verify())

	h.ShardID = 10
	assert.False(t, h.Verify())
}

func TestMultiBlkId_TombstoneIsDistinct(t *testing.T) {
	real := MultiBlkId{Ranges: []BlkRange{{StartBlk: 5, NumBlks: 1}}}
	assert.False(t, real.IsTombstone())
	assert.True(t, TombstonePbas.IsTombstone())
	assert.False(t, real.Equal(TombstonePbas))
}
