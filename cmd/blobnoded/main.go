// Command blobnoded is a demo storage-node process: it wires the chunk
// selector, the blob PUT/GET/DELETE pipeline, and reference ReplDev/
// IndexTable implementations behind an HTTP API, plus an admin surface
// cmd/gcadmin drives the GC state machine through.
//
// It seeds its own chunk inventory in memory on startup rather than
// discovering real devices — a stand-in for the block-device layer, which
// is out of scope here the same way the replication engine and B-tree
// index engine are.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/blobnode/internal/blobindex"
	"github.com/dreamware/blobnode/internal/blobstore"
	"github.com/dreamware/blobnode/internal/chunkselector"
	"github.com/dreamware/blobnode/internal/pgsuper"
	"github.com/dreamware/blobnode/internal/replctl"
	"github.com/dreamware/blobnode/internal/shardmeta"
)

var logFatal = func(format string, args ...any) {
	log := zap.NewExample().Sugar()
	log.Fatalf(format, args...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvUint(k string, def uint64) uint64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		logFatal("invalid %s=%q: %v", k, v, err)
	}
	return n
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	nodeID := getenv("NODE_ID", "node-1")
	listen := getenv("BLOBNODE_LISTEN", ":8090")
	pgID := chunkselector.PGID(getenvUint("BLOBNODE_PG_ID", 1))
	chunkSizeBlks := getenvUint("BLOBNODE_CHUNK_SIZE_BLKS", 1024)
	blkSize := getenvUint("BLOBNODE_BLK_SIZE", 512)
	numChunks := int(getenvUint("BLOBNODE_NUM_CHUNKS", 16))
	numDevices := int(getenvUint("BLOBNODE_NUM_DEVICES", 2))
	pgSizeBlks := getenvUint("BLOBNODE_PG_SIZE_BLKS", chunkSizeBlks*uint64(numChunks/2))
	indexDir := getenv("BLOBNODE_INDEX_DIR", "")

	sel := chunkselector.New(chunkSizeBlks, log.Named("chunkselector"))
	seedChunks(sel, numChunks, numDevices, chunkSizeBlks)
	if err := sel.BuildDeviceHeaps(context.Background()); err != nil {
		logFatal("build device heaps: %v", err)
	}
	if _, err := sel.SelectChunksForPG(pgID, pgSizeBlks); err != nil {
		logFatal("select chunks for pg %d: %v", pgID, err)
	}

	index, closeIndex := openIndex(indexDir, log)
	defer closeIndex()

	repl := replctl.NewFakeReplDev(blkSize, nodeID, log.Named("replctl"))
	defer repl.Close()

	counters := &pgsuper.DurableCounters{}
	shards := newShardRegistry(pgID, sel, log.Named("shards"))
	mgr := blobstore.NewManager(uint64(pgID), repl, index, counters, shards, log.Named("blobstore"))
	repl.SetCommitHandler(mgr)

	srv := newServer(mgr, sel, shards, pgID, log)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("blobnoded listening", zap.String("addr", listen), zap.String("node_id", nodeID), zap.Uint64("pg_id", uint64(pgID)))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("draining in-flight requests")
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Gate().Drain(drainCtx); err != nil {
		log.Warn("drain did not complete cleanly", zap.Error(err))
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	log.Info("blobnoded stopped")
}

// seedChunks fabricates a round-robin spread of chunks across numDevices
// devices, standing in for a real device-discovery boot step.
func seedChunks(sel *chunkselector.Selector, numChunks, numDevices int, chunkSizeBlks uint64) {
	for i := 0; i < numChunks; i++ {
		sel.AddChunk(chunkselector.NewExtendedChunk(
			chunkselector.PChunkID(i+1),
			chunkselector.PDevID(i%numDevices+1),
			chunkSizeBlks,
			chunkSizeBlks,
		))
	}
}

func openIndex(dir string, log *zap.Logger) (blobindex.IndexTable, func()) {
	if dir == "" {
		log.Info("using in-memory index table (set BLOBNODE_INDEX_DIR for pebble)")
		idx := blobindex.NewMemIndexTable()
		return idx, func() { idx.Close() }
	}
	idx, err := blobindex.OpenPebbleIndexTable(dir)
	if err != nil {
		logFatal("open pebble index at %s: %v", dir, err)
	}
	log.Info("using pebble-backed index table", zap.String("dir", dir))
	return idx, func() { idx.Close() }
}

// shardRegistry is the demo node's stand-in for shard-manager bookkeeping:
// it lazily pins a chunk to a shard_id the first time the id is seen,
// implementing blobstore.ShardResolver for the pipeline and a small admin
// surface for inspection.
type shardRegistry struct {
	pg     chunkselector.PGID
	sel    *chunkselector.Selector
	log    *zap.Logger
	mu     chan struct{} // binary semaphore; avoids importing sync just for this
	shards map[uint64]shardmeta.ShardInfo
}

func newShardRegistry(pg chunkselector.PGID, sel *chunkselector.Selector, log *zap.Logger) *shardRegistry {
	r := &shardRegistry{
		pg:     pg,
		sel:    sel,
		log:    log,
		mu:     make(chan struct{}, 1),
		shards: make(map[uint64]shardmeta.ShardInfo),
	}
	r.mu <- struct{}{}
	return r
}

func (r *shardRegistry) lock()   { <-r.mu }
func (r *shardRegistry) unlock() { r.mu <- struct{}{} }

func (r *shardRegistry) GetShardInfo(shardID uint64) (shardmeta.ShardInfo, bool) {
	r.lock()
	defer r.unlock()
	info, ok := r.shards[shardID]
	return info, ok
}

// GetOrCreateShard pins a fresh chunk to shardID on first use. shardID must
// decode to this node's configured PG.
func (r *shardRegistry) GetOrCreateShard(shardID uint64) (shardmeta.ShardInfo, error) {
	pg, _ := shardmeta.DecodeShardID(shardID)
	if chunkselector.PGID(pg) != r.pg {
		return shardmeta.ShardInfo{}, fmt.Errorf("shard %d belongs to pg %d, not %d", shardID, pg, r.pg)
	}

	r.lock()
	defer r.unlock()
	if info, ok := r.shards[shardID]; ok {
		return info, nil
	}

	vid, err := r.sel.GetMostAvailableChunk(r.pg)
	if err != nil {
		return shardmeta.ShardInfo{}, fmt.Errorf("allocate chunk for shard %d: %w", shardID, err)
	}
	chunk := r.sel.GetPGVChunk(r.pg, vid)
	if chunk == nil {
		return shardmeta.ShardInfo{}, fmt.Errorf("v_chunk_id %d has no bound chunk", vid)
	}
	info := shardmeta.ShardInfo{ID: shardID, PlacementGroup: pg, PChunkID: uint64(chunk.PChunkID), State: shardmeta.ShardOpen}
	r.shards[shardID] = info
	r.log.Info("pinned shard to chunk", zap.String("shard", info.String()))
	return info, nil
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
