package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dreamware/blobnode/internal/blobstore"
	"github.com/dreamware/blobnode/internal/chunkselector"
)

type server struct {
	mgr    *blobstore.Manager
	sel    *chunkselector.Selector
	shards *shardRegistry
	pg     chunkselector.PGID
	log    *zap.Logger
}

func newServer(mgr *blobstore.Manager, sel *chunkselector.Selector, shards *shardRegistry, pg chunkselector.PGID, log *zap.Logger) *server {
	return &server{mgr: mgr, sel: sel, shards: shards, pg: pg, log: log}
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/shard/{shard}/blob", s.handlePutBlob).Methods(http.MethodPut)
	r.HandleFunc("/shard/{shard}/blob/{blob}", s.handleGetBlob).Methods(http.MethodGet)
	r.HandleFunc("/shard/{shard}/blob/{blob}", s.handleDeleteBlob).Methods(http.MethodDelete)
	r.HandleFunc("/admin/chunks/{chunk}", s.handleGetChunk).Methods(http.MethodGet)
	r.HandleFunc("/admin/chunks/{chunk}/mark-gc", s.handleMarkGC).Methods(http.MethodPost)
	r.HandleFunc("/admin/chunks/{chunk}/mark-out-of-gc", s.handleMarkOutOfGC).Methods(http.MethodPost)
	r.HandleFunc("/admin/pg/{pg}/switch-chunks", s.handleSwitchChunks).Methods(http.MethodPost)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"pg_id":   uint64(s.pg),
		"pending": s.mgr.Gate().Pending(),
	})
}

func parseUint64Param(r *http.Request, name string) (uint64, error) {
	v := mux.Vars(r)[name]
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func blobErrorStatus(err error) int {
	switch blobstore.CodeOf(err) {
	case blobstore.ErrUnknownBlob, blobstore.ErrUnknownShard, blobstore.ErrUnknownPG:
		return http.StatusNotFound
	case blobstore.ErrInvalidArg:
		return http.StatusBadRequest
	case blobstore.ErrNotLeader:
		return http.StatusMisdirectedRequest
	case blobstore.ErrShuttingDown, blobstore.ErrRetryRequest:
		return http.StatusServiceUnavailable
	case blobstore.ErrChecksumMismatch:
		return http.StatusUnprocessableEntity
	case blobstore.ErrNoSpaceLeft:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// handlePutBlob stores a blob. The body is the blob payload; the user key
// travels in the X-User-Key header, base64-encoded so it can carry
// arbitrary bytes.
func (s *server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	shardID, err := parseUint64Param(r, "shard")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	shard, err := s.shards.GetOrCreateShard(shardID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var userKey []byte
	if enc := r.Header.Get("X-User-Key"); enc != "" {
		userKey, err = base64.StdEncoding.DecodeString(enc)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid X-User-Key: %w", err))
			return
		}
	}
	var objectOffset uint64
	if v := r.Header.Get("X-Object-Offset"); v != "" {
		objectOffset, _ = strconv.ParseUint(v, 10, 64)
	}

	blobID, err := s.mgr.Put(r.Context(), shard, blobstore.PutRequest{
		Body:         body,
		UserKey:      userKey,
		ObjectOffset: objectOffset,
		TraceID:      r.Header.Get("X-Trace-Id"),
	})
	if err != nil {
		writeJSONError(w, blobErrorStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]uint64{"blob_id": blobID})
}

func (s *server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	shardID, err := parseUint64Param(r, "shard")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	blobID, err := parseUint64Param(r, "blob")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	shard, ok := s.shards.GetShardInfo(shardID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("unknown shard %d", shardID))
		return
	}

	var offset, length uint64
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		offset, _ = strconv.ParseUint(v, 10, 64)
	}
	if v := q.Get("length"); v != "" {
		length, _ = strconv.ParseUint(v, 10, 64)
	}

	blob, err := s.mgr.Get(r.Context(), shard, blobID, offset, length)
	if err != nil {
		writeJSONError(w, blobErrorStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-User-Key", base64.StdEncoding.EncodeToString(blob.UserKey))
	w.Header().Set("X-Object-Offset", strconv.FormatUint(blob.ObjectOffset, 10))
	w.Header().Set("X-Leader-Hint", blob.LeaderHint)
	w.Write(blob.Body)
}

func (s *server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	shardID, err := parseUint64Param(r, "shard")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	blobID, err := parseUint64Param(r, "blob")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	shard, ok := s.shards.GetShardInfo(shardID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("unknown shard %d", shardID))
		return
	}

	if err := s.mgr.Delete(r.Context(), shard, blobID, r.Header.Get("X-Trace-Id")); err != nil {
		writeJSONError(w, blobErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- admin surface, driven by cmd/gcadmin -----------------------------------

type chunkInfoResponse struct {
	PChunkID      uint64 `json:"p_chunk_id"`
	PDevID        uint32 `json:"p_dev_id"`
	TotalBlks     uint64 `json:"total_blks"`
	AvailableBlks uint64 `json:"available_blks"`
	State         string `json:"state"`
	BoundPG       *uint64 `json:"bound_pg,omitempty"`
	BoundVChunk   *uint32 `json:"bound_v_chunk_id,omitempty"`
}

func (s *server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint64Param(r, "chunk")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	chunk := s.sel.GetExtendedChunk(chunkselector.PChunkID(id))
	if chunk == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("unknown chunk %d", id))
		return
	}
	resp := chunkInfoResponse{
		PChunkID:      uint64(chunk.PChunkID),
		PDevID:        uint32(chunk.PDevID),
		TotalBlks:     chunk.TotalBlks,
		AvailableBlks: chunk.AvailableBlks(),
		State:         chunk.State().String(),
	}
	if b := chunk.Binding(); b != nil {
		pg := uint64(b.PGID)
		vc := uint32(b.VChunkID)
		resp.BoundPG = &pg
		resp.BoundVChunk = &vc
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type markGCRequest struct {
	Force bool `json:"force"`
}

func (s *server) handleMarkGC(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint64Param(r, "chunk")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var req markGCRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ok, err := s.sel.TryMarkChunkToGC(chunkselector.PChunkID(id), req.Force)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"marked": ok})
}

type markOutOfGCRequest struct {
	FinalState string `json:"final_state"`
	TaskID     uint64 `json:"task_id"`
}

func parseChunkState(s string) (chunkselector.ChunkState, error) {
	switch s {
	case "available":
		return chunkselector.ChunkAvailable, nil
	case "inuse":
		return chunkselector.ChunkInUse, nil
	case "gc":
		return chunkselector.ChunkGC, nil
	default:
		return 0, fmt.Errorf("unknown chunk state %q", s)
	}
}

func (s *server) handleMarkOutOfGC(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint64Param(r, "chunk")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var req markOutOfGCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	finalState, err := parseChunkState(req.FinalState)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sel.MarkChunkOutOfGC(chunkselector.PChunkID(id), finalState, req.TaskID); err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchChunksRequest struct {
	OldID  uint64 `json:"old_id"`
	NewID  uint64 `json:"new_id"`
	TaskID uint64 `json:"task_id"`
}

func (s *server) handleSwitchChunks(w http.ResponseWriter, r *http.Request) {
	pg, err := parseUint64Param(r, "pg")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var req switchChunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sel.SwitchChunksForPG(chunkselector.PGID(pg), chunkselector.PChunkID(req.OldID), chunkselector.PChunkID(req.NewID), req.TaskID); err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
