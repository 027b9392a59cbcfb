package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/blobnode/internal/blobindex"
	"github.com/dreamware/blobnode/internal/blobstore"
	"github.com/dreamware/blobnode/internal/chunkselector"
	"github.com/dreamware/blobnode/internal/pgsuper"
	"github.com/dreamware/blobnode/internal/replctl"
	"github.com/dreamware/blobnode/internal/shardmeta"
)

const testPG = chunkselector.PGID(1)

func newTestServer(t *testing.T) (*httptest.Server, *server) {
	t.Helper()
	log := zaptest.NewLogger(t)

	sel := chunkselector.New(4, log)
	seedChunks(sel, 4, 1, 4)
	require.NoError(t, sel.BuildDeviceHeaps(context.Background()))
	_, err := sel.SelectChunksForPG(testPG, 16)
	require.NoError(t, err)

	idx := blobindex.NewMemIndexTable()
	t.Cleanup(func() { idx.Close() })
	repl := replctl.NewFakeReplDev(512, "node-1", log)
	t.Cleanup(repl.Close)
	counters := &pgsuper.DurableCounters{}
	shards := newShardRegistry(testPG, sel, log)
	mgr := blobstore.NewManager(uint64(testPG), repl, idx, counters, shards, log)
	repl.SetCommitHandler(mgr)

	srv := newServer(mgr, sel, shards, testPG, log)
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return ts, srv
}

func blobURL(base string, shardID uint64, blobID ...uint64) string {
	u := fmt.Sprintf("%s/shard/%d/blob", base, shardID)
	if len(blobID) > 0 {
		u += fmt.Sprintf("/%d", blobID[0])
	}
	return u
}

func TestBlobnoded_PutGetDeleteRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	shardID := shardmeta.EncodeShardID(uint64(testPG), 1)

	putReq, err := http.NewRequest(http.MethodPut, blobURL(ts.URL, shardID), strings.NewReader("hello"))
	require.NoError(t, err)
	putReq.Header.Set("X-User-Key", base64.StdEncoding.EncodeToString([]byte("k")))
	resp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var putOut struct {
		BlobID uint64 `json:"blob_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&putOut))

	getResp, err := http.Get(blobURL(ts.URL, shardID, putOut.BlobID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	body, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	key, _ := base64.StdEncoding.DecodeString(getResp.Header.Get("X-User-Key"))
	assert.Equal(t, "k", string(key))

	delReq, err := http.NewRequest(http.MethodDelete, blobURL(ts.URL, shardID, putOut.BlobID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	getAgain, err := http.Get(blobURL(ts.URL, shardID, putOut.BlobID))
	require.NoError(t, err)
	defer getAgain.Body.Close()
	assert.Equal(t, http.StatusNotFound, getAgain.StatusCode)
}

func TestBlobnoded_GetUnknownShardIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(blobURL(ts.URL, shardmeta.EncodeShardID(uint64(testPG), 99), 0))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBlobnoded_AdminInspectAndMarkGC(t *testing.T) {
	ts, srv := newTestServer(t)
	shardID := shardmeta.EncodeShardID(uint64(testPG), 1)

	putReq, err := http.NewRequest(http.MethodPut, blobURL(ts.URL, shardID), strings.NewReader("x"))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	info, ok := srv.shards.GetShardInfo(shardID)
	require.True(t, ok)
	target := info.PChunkID

	resp, err := http.Get(fmt.Sprintf("%s/admin/chunks/%d", ts.URL, target))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunkInfo map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunkInfo))
	assert.Equal(t, "inuse", chunkInfo["state"])

	pg, vid := chunkselectorLookup(t, srv, target)
	_, err = srv.sel.ReleaseChunk(pg, vid)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]bool{"force": false})
	gcResp, err := http.Post(fmt.Sprintf("%s/admin/chunks/%d/mark-gc", ts.URL, target), "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer gcResp.Body.Close()
	require.Equal(t, http.StatusOK, gcResp.StatusCode)
	var gcOut map[string]bool
	require.NoError(t, json.NewDecoder(gcResp.Body).Decode(&gcOut))
	assert.True(t, gcOut["marked"])
}

func chunkselectorLookup(t *testing.T, srv *server, id uint64) (chunkselector.PGID, chunkselector.VChunkID) {
	t.Helper()
	chunk := srv.sel.GetExtendedChunk(chunkselector.PChunkID(id))
	require.NotNil(t, chunk)
	binding := chunk.Binding()
	require.NotNil(t, binding)
	return binding.PGID, binding.VChunkID
}
