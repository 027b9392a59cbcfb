package chunkselector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Errors returned by Selector operations. Callers distinguish "chunk not
// selectable right now" (a normal, non-fatal outcome) from programmer
// errors (unknown chunk id passed to a recovery call) via these sentinels.
var (
	ErrNoSpaceLeft    = errors.New("chunkselector: no device has enough available chunks")
	ErrChunkNotFound  = errors.New("chunkselector: chunk not found")
	ErrPGNotFound     = errors.New("chunkselector: pg not found")
	ErrVChunkNotFound = errors.New("chunkselector: v_chunk_id not found")
	ErrNotAvailable   = errors.New("chunkselector: chunk is not in AVAILABLE state")
	ErrNotInUse       = errors.New("chunkselector: chunk is not in INUSE state")
	ErrNotGC          = errors.New("chunkselector: chunk is not in GC state")
)

// AllocHints carries the caller's block-allocation preferences for
// Selector.SelectChunk: an explicit chunk (when replication has already
// picked one at commit time) or a device preference.
type AllocHints struct {
	ChunkIDHint *PChunkID
	PDevIDHint  *PDevID
}

// Selector is the chunk-selector façade (C4): a coarse registry lock
// guarding structural edits to the three maps, with per-device and per-PG
// fine-grained mutexes (inside DeviceHeap / PGChunkCollection) guarding
// steady-state operations. Lock order is always registryLock (shared) ->
// PG mutex -> device mutex, matching spec.md §5; the coarse lock is only
// ever taken exclusively for map inserts/deletes and for the boot-time
// registry scan in BuildDeviceHeaps.
type Selector struct {
	registryLock sync.RWMutex

	chunks      map[PChunkID]*ExtendedChunk
	perDevHeap  map[PDevID]*DeviceHeap
	perPGChunks map[PGID]*PGChunkCollection

	chunkSizeBlks uint64
	log           *zap.Logger
}

// New returns an empty Selector. chunkSizeBlks is the fixed per-chunk
// block count used to translate a PG's requested size, in blocks, into a
// chunk count in SelectChunksForPG.
func New(chunkSizeBlks uint64, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{
		chunks:        make(map[PChunkID]*ExtendedChunk),
		perDevHeap:    make(map[PDevID]*DeviceHeap),
		perPGChunks:   make(map[PGID]*PGChunkCollection),
		chunkSizeBlks: chunkSizeBlks,
		log:           log,
	}
}

// --- boot sequence (spec.md §4.1) -----------------------------------------

// AddChunk registers a chunk known to the device layer. It is inserted
// into the registry but not yet into any heap; step 1 of the boot
// sequence. Must be called for every chunk before RecoverPGChunks.
func (s *Selector) AddChunk(c *ExtendedChunk) {
	s.registryLock.Lock()
	defer s.registryLock.Unlock()
	s.chunks[c.PChunkID] = c
	if _, ok := s.perDevHeap[c.PDevID]; !ok {
		s.perDevHeap[c.PDevID] = NewDeviceHeap()
	}
	s.perDevHeap[c.PDevID].AddTotal(c.TotalBlks)
}

// RecoverPGChunks binds each listed chunk to pg at the vector index equal
// to its position in pChunkIDs (= its VChunkID), starting every chunk in
// AVAILABLE. Step 2 of the boot sequence.
func (s *Selector) RecoverPGChunks(pg PGID, pChunkIDs []PChunkID) error {
	s.registryLock.Lock()
	defer s.registryLock.Unlock()

	coll, ok := s.perPGChunks[pg]
	if !ok {
		coll = NewPGChunkCollection()
		s.perPGChunks[pg] = coll
	}
	for _, pcid := range pChunkIDs {
		chunk, ok := s.chunks[pcid]
		if !ok {
			return fmt.Errorf("%w: p_chunk_id=%d", ErrChunkNotFound, pcid)
		}
		vid := coll.AddBound(chunk)
		chunk.setBinding(&Binding{PGID: pg, VChunkID: vid})
	}
	return nil
}

// BuildDeviceHeaps scans the registry and inserts every unbound AVAILABLE
// chunk into its device's heap, one goroutine per device via errgroup so
// boot time scales with the widest device rather than the sum of all of
// them. Step 3 of the boot sequence; the selector is not serviceable for
// read/select calls until this returns.
func (s *Selector) BuildDeviceHeaps(ctx context.Context) error {
	s.registryLock.Lock()
	byDev := make(map[PDevID][]*ExtendedChunk)
	for _, c := range s.chunks {
		if c.Binding() == nil && c.State() == ChunkAvailable {
			byDev[c.PDevID] = append(byDev[c.PDevID], c)
		}
	}
	s.registryLock.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for dev, chunks := range byDev {
		dev, chunks := dev, chunks
		g.Go(func() error {
			s.registryLock.RLock()
			h := s.perDevHeap[dev]
			s.registryLock.RUnlock()
			if h == nil {
				return fmt.Errorf("chunkselector: device %d has no heap registered", dev)
			}
			for _, c := range chunks {
				h.Push(c)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecoverPGChunkStates flips the state of every v_chunk_id in openVChunks
// to INUSE, reflecting shards already open before restart. Step 4 of the
// boot sequence. openVChunks is a roaring bitmap of VChunkID values — a
// compact representation of "which of this PG's (often thousands of)
// chunks had an open shard at crash time."
func (s *Selector) RecoverPGChunkStates(pg PGID, openVChunks *roaring.Bitmap) error {
	s.registryLock.RLock()
	coll, ok := s.perPGChunks[pg]
	s.registryLock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	it := openVChunks.Iterator()
	for it.HasNext() {
		vid := VChunkID(it.Next())
		if _, ok := coll.SelectSpecific(vid); !ok {
			return fmt.Errorf("%w: pg=%d v_chunk_id=%d", ErrVChunkNotFound, pg, vid)
		}
	}
	return nil
}

// --- selection operations (spec.md §4.1) -----------------------------------

// SelectChunksForPG picks a single device whose heap has enough available
// chunks to satisfy pgSize, pops that many (the ones with the most free
// blocks), binds them densely from v_chunk_id 0 into a new PG collection,
// and returns the count. All chunks of a PG share one pdev_id. Returns
// ErrNoSpaceLeft if no device qualifies.
func (s *Selector) SelectChunksForPG(pg PGID, pgSize uint64) (uint32, error) {
	need := int((pgSize + s.chunkSizeBlks - 1) / s.chunkSizeBlks)
	if need <= 0 {
		need = 1
	}

	s.registryLock.RLock()
	devs := make(map[PDevID]*DeviceHeap, len(s.perDevHeap))
	for id, h := range s.perDevHeap {
		devs[id] = h
	}
	s.registryLock.RUnlock()

	var bestDev PDevID
	var bestHeap *DeviceHeap
	var bestAvail uint64
	found := false
	for id, h := range devs {
		if h.Size() < need {
			continue
		}
		avail := h.AvailableBlkCount()
		if !found || avail > bestAvail {
			bestDev, bestHeap, bestAvail, found = id, h, avail, true
		}
	}
	if !found {
		return 0, ErrNoSpaceLeft
	}

	popped, ok := bestHeap.PopN(need)
	if !ok {
		return 0, ErrNoSpaceLeft
	}

	s.registryLock.Lock()
	coll, ok := s.perPGChunks[pg]
	if !ok {
		coll = NewPGChunkCollection()
		s.perPGChunks[pg] = coll
	}
	s.registryLock.Unlock()

	for _, c := range popped {
		vid := coll.AddBound(c)
		c.setBinding(&Binding{PGID: pg, VChunkID: vid})
	}
	s.log.Debug("selected chunks for pg", zap.Uint64("pg", uint64(pg)), zap.Uint32("dev", uint32(bestDev)), zap.Int("count", need))
	return uint32(need), nil
}

// SelectChunk picks a chunk outside of any PG context, for the
// GC-reserved-chunks pool. If hints.ChunkIDHint is set it is honored
// unconditionally (replication has already committed to a block-id chosen
// against this chunk). Otherwise the device named by hints.PDevIDHint is
// popped from (an unknown or empty hinted device is an error, with no
// fallback), or, when no device hint is given, the device with the most
// free blocks. This
// path is unused by the blob pipeline, which allocates shard-backing
// chunks via GetMostAvailableChunk instead; kept for the GC-reserved pool
// per spec.md §9's open question.
func (s *Selector) SelectChunk(hints AllocHints) (*ExtendedChunk, error) {
	if hints.ChunkIDHint != nil {
		s.registryLock.RLock()
		c, ok := s.chunks[*hints.ChunkIDHint]
		s.registryLock.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: p_chunk_id=%d", ErrChunkNotFound, *hints.ChunkIDHint)
		}
		return c, nil
	}

	s.registryLock.RLock()
	defer s.registryLock.RUnlock()

	if hints.PDevIDHint != nil {
		h, ok := s.perDevHeap[*hints.PDevIDHint]
		if !ok {
			return nil, fmt.Errorf("%w: pdev_id=%d", ErrChunkNotFound, *hints.PDevIDHint)
		}
		c := h.Pop()
		if c == nil {
			return nil, ErrNoSpaceLeft
		}
		return c, nil
	}

	var bestHeap *DeviceHeap
	var bestAvail uint64
	for _, h := range s.perDevHeap {
		if h.Size() == 0 {
			continue
		}
		if a := h.AvailableBlkCount(); bestHeap == nil || a > bestAvail {
			bestHeap, bestAvail = h, a
		}
	}
	if bestHeap == nil {
		return nil, ErrNoSpaceLeft
	}
	c := bestHeap.Pop()
	if c == nil {
		return nil, ErrNoSpaceLeft
	}
	return c, nil
}

// GetMostAvailableChunk pops the top of pg's internal heap, transitions it
// to INUSE, and returns its VChunkID. Used by shard creation; the returned
// v_chunk_id is durably remembered in the shard superblock.
func (s *Selector) GetMostAvailableChunk(pg PGID) (VChunkID, error) {
	s.registryLock.RLock()
	coll, ok := s.perPGChunks[pg]
	s.registryLock.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	vid, _, ok := coll.PopMostAvailable()
	if !ok {
		return 0, ErrNoSpaceLeft
	}
	return vid, nil
}

// SelectSpecificChunk force-acquires a specific PG chunk, transitioning
// AVAILABLE -> INUSE. Used by recovery and create-shard replay. Fails if
// the chunk is not AVAILABLE.
func (s *Selector) SelectSpecificChunk(pg PGID, vid VChunkID) (*ExtendedChunk, error) {
	s.registryLock.RLock()
	coll, ok := s.perPGChunks[pg]
	s.registryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	c, ok := coll.SelectSpecific(vid)
	if !ok {
		return nil, ErrNotAvailable
	}
	return c, nil
}

// ReleaseChunk transitions a chunk INUSE -> AVAILABLE and reinserts it into
// the PG's selectable heap. Used on shard seal and create-shard rollback.
func (s *Selector) ReleaseChunk(pg PGID, vid VChunkID) (bool, error) {
	s.registryLock.RLock()
	coll, ok := s.perPGChunks[pg]
	s.registryLock.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	chunk := coll.Get(vid)
	if chunk == nil {
		return false, fmt.Errorf("%w: pg=%d v_chunk_id=%d", ErrVChunkNotFound, pg, vid)
	}
	if chunk.State() != ChunkInUse {
		return false, nil
	}
	return coll.MarkAvailable(vid), nil
}

// --- GC state machine (spec.md §4.1) ---------------------------------------

// TryMarkChunkToGC transitions a chunk to GC. If force is false, only an
// AVAILABLE chunk can be marked; if force is true, an INUSE chunk is also
// accepted ("emergent GC" — see spec.md §9). A non-forced failure is
// reported via the bool return, not an error: callers are expected to
// retry or pick another chunk.
//
// Per spec.md §9's open question: force=true does not wait for or cancel
// writers in flight through the chunk. The caller is responsible for
// quiescing writes first; this method never blocks.
func (s *Selector) TryMarkChunkToGC(id PChunkID, force bool) (bool, error) {
	s.registryLock.RLock()
	chunk, ok := s.chunks[id]
	s.registryLock.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: p_chunk_id=%d", ErrChunkNotFound, id)
	}
	cur := chunk.State()
	if cur == ChunkAvailable || (force && cur == ChunkInUse) {
		if b := chunk.Binding(); b != nil && cur == ChunkAvailable {
			if coll := s.pgColl(b.PGID); coll != nil {
				coll.mu.Lock()
				coll.removeAvailLocked(b.VChunkID)
				coll.mu.Unlock()
			}
		}
		chunk.setState(ChunkGC)
		return true, nil
	}
	return false, nil
}

// MarkChunkOutOfGC transitions a chunk GC -> finalState. Must only be
// called for a chunk currently in GC.
func (s *Selector) MarkChunkOutOfGC(id PChunkID, finalState ChunkState, taskID uint64) error {
	s.registryLock.RLock()
	chunk, ok := s.chunks[id]
	s.registryLock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: p_chunk_id=%d", ErrChunkNotFound, id)
	}
	if chunk.State() != ChunkGC {
		return ErrNotGC
	}
	if b := chunk.Binding(); b != nil && finalState == ChunkAvailable {
		if coll := s.pgColl(b.PGID); coll != nil {
			coll.MarkAvailable(b.VChunkID)
		}
	}
	chunk.setState(finalState)
	s.log.Debug("marked chunk out of gc", zap.Uint64("p_chunk_id", uint64(id)), zap.String("final_state", finalState.String()), zap.Uint64("task_id", taskID))
	return nil
}

// SwitchChunksForPG atomically substitutes newID for oldID at the
// v_chunk_id oldID currently occupies within pg: newID inherits the
// binding (pg, v_chunk_id), oldID becomes unbound. oldID keeps its current
// state and is not pushed onto its device heap; neither this method nor
// UpdateVChunkInfoAfterGC (which also sets newID's final state) returns it
// to any heap.
func (s *Selector) SwitchChunksForPG(pg PGID, oldID, newID PChunkID, taskID uint64) error {
	s.registryLock.RLock()
	coll, collOK := s.perPGChunks[pg]
	oldChunk, oldOK := s.chunks[oldID]
	newChunk, newOK := s.chunks[newID]
	s.registryLock.RUnlock()
	if !collOK {
		return fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	if !oldOK || !newOK {
		return ErrChunkNotFound
	}
	binding := oldChunk.Binding()
	if binding == nil || binding.PGID != pg {
		return fmt.Errorf("chunkselector: p_chunk_id=%d is not bound to pg=%d", oldID, pg)
	}
	vid := binding.VChunkID

	coll.ReplaceBinding(vid, newChunk)
	newChunk.setBinding(&Binding{PGID: pg, VChunkID: vid})
	oldChunk.setBinding(nil)

	s.log.Info("switched chunk for pg gc", zap.Uint64("pg", uint64(pg)), zap.Uint64("old", uint64(oldID)), zap.Uint64("new", uint64(newID)), zap.Uint64("task_id", taskID))
	return nil
}

// UpdateVChunkInfoAfterGC performs SwitchChunksForPG and then sets
// toID.state = finalState, the combined GC finalisation step.
func (s *Selector) UpdateVChunkInfoAfterGC(fromID, toID PChunkID, finalState ChunkState, pg PGID, vid VChunkID, taskID uint64) error {
	if err := s.SwitchChunksForPG(pg, fromID, toID, taskID); err != nil {
		return err
	}
	s.registryLock.RLock()
	toChunk := s.chunks[toID]
	s.registryLock.RUnlock()
	toChunk.setState(finalState)
	if finalState == ChunkAvailable {
		if coll := s.pgColl(pg); coll != nil {
			// The state was already set above; push the entry directly
			// onto the PG's available heap.
			coll.mu.Lock()
			coll.pushAvailLocked(vid, toChunk)
			coll.mu.Unlock()
		}
	}
	return nil
}

func (s *Selector) pgColl(pg PGID) *PGChunkCollection {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	return s.perPGChunks[pg]
}

// ReturnPGChunksToDeviceHeap unbinds every chunk in pg's collection,
// resets their state to AVAILABLE, reinserts them into their device's
// heap, and deletes the PG collection entry. Called when a PG moves out.
func (s *Selector) ReturnPGChunksToDeviceHeap(pg PGID) error {
	s.registryLock.Lock()
	coll, ok := s.perPGChunks[pg]
	if !ok {
		s.registryLock.Unlock()
		return fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	delete(s.perPGChunks, pg)
	s.registryLock.Unlock()

	for _, chunk := range coll.All() {
		chunk.setState(ChunkAvailable)
		chunk.setBinding(nil)
		s.registryLock.RLock()
		h := s.perDevHeap[chunk.PDevID]
		s.registryLock.RUnlock()
		if h != nil {
			h.Push(chunk)
		}
	}
	return nil
}

// ResetPGChunks is identical to ReturnPGChunksToDeviceHeap but keeps the PG
// collection entry (now empty of available chunks, chunks unbound); used
// by baseline resync, which re-populates the collection afterward.
func (s *Selector) ResetPGChunks(pg PGID) error {
	s.registryLock.RLock()
	coll, ok := s.perPGChunks[pg]
	s.registryLock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	coll.mu.Lock()
	coll.avail = pgAvailHeap{}
	coll.availableNumChunks.Store(0)
	coll.availableBlkCount.Store(0)
	coll.mu.Unlock()
	for _, chunk := range coll.All() {
		chunk.setState(ChunkAvailable)
		chunk.setBinding(nil)
		s.registryLock.RLock()
		h := s.perDevHeap[chunk.PDevID]
		s.registryLock.RUnlock()
		if h != nil {
			h.Push(chunk)
		}
	}
	return nil
}

// --- read-only accessors (original_source/heap_chunk_selector.h) -----------

// AvailBlks returns the available block count for pg, or 0 if pg is
// unknown.
func (s *Selector) AvailBlks(pg PGID) uint64 {
	if coll := s.pgColl(pg); coll != nil {
		return coll.AvailableBlkCount()
	}
	return 0
}

// TotalBlks returns the fixed total block count of device dev.
func (s *Selector) TotalBlks(dev PDevID) uint64 {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	if h, ok := s.perDevHeap[dev]; ok {
		return h.TotalBlks()
	}
	return 0
}

// MostAvailNumChunks returns the largest heap size across all devices.
func (s *Selector) MostAvailNumChunks() uint32 {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	var best int
	for _, h := range s.perDevHeap {
		if sz := h.Size(); sz > best {
			best = sz
		}
	}
	return uint32(best)
}

// AvailNumChunks returns the number of AVAILABLE chunks in pg.
func (s *Selector) AvailNumChunks(pg PGID) uint32 {
	if coll := s.pgColl(pg); coll != nil {
		n := coll.AvailableNumChunks()
		if n < 0 {
			return 0
		}
		return uint32(n)
	}
	return 0
}

// TotalChunks returns the number of chunks known to the registry.
func (s *Selector) TotalChunks() uint32 {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	return uint32(len(s.chunks))
}

// GetChunkSize returns the fixed per-chunk block count.
func (s *Selector) GetChunkSize() uint64 { return s.chunkSizeBlks }

// TotalDisks returns the number of distinct devices seen by the selector.
func (s *Selector) TotalDisks() uint32 {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	return uint32(len(s.perDevHeap))
}

// IsChunkAvailable reports whether pg's chunk at vid is AVAILABLE.
func (s *Selector) IsChunkAvailable(pg PGID, vid VChunkID) bool {
	coll := s.pgColl(pg)
	if coll == nil {
		return false
	}
	c := coll.Get(vid)
	return c != nil && c.Available()
}

// GetPGVChunk returns the chunk bound at (pg, vid), or nil.
func (s *Selector) GetPGVChunk(pg PGID, vid VChunkID) *ExtendedChunk {
	coll := s.pgColl(pg)
	if coll == nil {
		return nil
	}
	return coll.Get(vid)
}

// GetPGChunks returns the p_chunk_id for every v_chunk_id of pg, in
// v_chunk_id order — the vector persisted in the PG superblock.
func (s *Selector) GetPGChunks(pg PGID) ([]PChunkID, error) {
	coll := s.pgColl(pg)
	if coll == nil {
		return nil, fmt.Errorf("%w: pg=%d", ErrPGNotFound, pg)
	}
	all := coll.All()
	out := make([]PChunkID, len(all))
	for i, c := range all {
		out[i] = c.PChunkID
	}
	return out, nil
}

// GetPDevChunks returns, for every device, the p_chunk_ids of all chunks
// registered on it, bound to a PG or not (mirrors the C++ accessor of the
// same name, used for diagnostics).
func (s *Selector) GetPDevChunks() map[PDevID][]PChunkID {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	out := make(map[PDevID][]PChunkID)
	for id, c := range s.chunks {
		out[c.PDevID] = append(out[c.PDevID], id)
	}
	return out
}

// GetExtendedChunk returns the chunk registered under id, or nil.
func (s *Selector) GetExtendedChunk(id PChunkID) *ExtendedChunk {
	s.registryLock.RLock()
	defer s.registryLock.RUnlock()
	return s.chunks[id]
}

// chunkCountForSize computes ceil(pg_size / chunk_size), the same rounding
// SelectChunksForPG applies inline; an unexported package-level helper that
// returns 0 when chunkSize is 0.
func chunkCountForSize(pgSize, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return uint64(math.Ceil(float64(pgSize) / float64(chunkSize)))
}
