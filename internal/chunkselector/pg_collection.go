package chunkselector

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// PGChunkCollection is the dense, per-PG vector of chunks indexed by
// v_chunk_id. Every index is always populated once assigned (chunks are
// never removed from the vector during the PG's life) but may hold a chunk
// in any of the three lifecycle states. A secondary heap, scoped to this
// PG, tracks only the currently-AVAILABLE entries so
// get_most_available_blk_chunk can pop the most-free one in O(log n)
// without scanning the dense vector.
type PGChunkCollection struct {
	mu sync.Mutex

	chunks []*ExtendedChunk // dense, index = VChunkID
	avail  pgAvailHeap      // heap view restricted to AVAILABLE entries

	availableNumChunks atomic.Int64
	availableBlkCount  atomic.Uint64
	totalBlks          uint64 // fixed at boot, never changes at runtime
}

// NewPGChunkCollection returns an empty collection.
func NewPGChunkCollection() *PGChunkCollection {
	c := &PGChunkCollection{}
	heap.Init(&c.avail)
	return c
}

// pgHeapEntry is one element of a PG's available-chunk heap: a reference
// to the dense-vector slot plus the heap's own bookkeeping index, so a
// specific v_chunk_id can be removed from the heap in O(log n) without
// popping everything above it (needed by SelectSpecificChunk).
type pgHeapEntry struct {
	vchunk    VChunkID
	chunk     *ExtendedChunk
	heapIndex int
}

type pgAvailHeap struct {
	entries []*pgHeapEntry
	byID    map[VChunkID]*pgHeapEntry
}

func (h pgAvailHeap) Len() int { return len(h.entries) }
func (h pgAvailHeap) Less(i, j int) bool {
	return h.entries[i].chunk.AvailableBlks() > h.entries[j].chunk.AvailableBlks()
}
func (h pgAvailHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].heapIndex = i
	h.entries[j].heapIndex = j
}
func (h *pgAvailHeap) Push(x any) {
	e := x.(*pgHeapEntry)
	e.heapIndex = len(h.entries)
	h.entries = append(h.entries, e)
	if h.byID == nil {
		h.byID = make(map[VChunkID]*pgHeapEntry)
	}
	h.byID[e.vchunk] = e
}
func (h *pgAvailHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	delete(h.byID, e.vchunk)
	return e
}

// AddBound appends a newly-bound chunk to the dense vector, assigning it
// the next VChunkID, and pushes it into the available heap (chunks are
// always bound in the AVAILABLE state per spec.md §4.1 step 2). It returns
// the assigned VChunkID.
func (c *PGChunkCollection) AddBound(chunk *ExtendedChunk) VChunkID {
	c.mu.Lock()
	defer c.mu.Unlock()
	vid := VChunkID(len(c.chunks))
	c.chunks = append(c.chunks, chunk)
	c.totalBlks += chunk.TotalBlks
	c.pushAvailLocked(vid, chunk)
	return vid
}

// AddBoundInUse is identical to AddBound but leaves the chunk out of the
// available heap, for recovery paths that restore a chunk already known
// to be backing an open shard.
func (c *PGChunkCollection) AddBoundInUse(chunk *ExtendedChunk) VChunkID {
	c.mu.Lock()
	defer c.mu.Unlock()
	vid := VChunkID(len(c.chunks))
	c.chunks = append(c.chunks, chunk)
	c.totalBlks += chunk.TotalBlks
	return vid
}

func (c *PGChunkCollection) pushAvailLocked(vid VChunkID, chunk *ExtendedChunk) {
	heap.Push(&c.avail, &pgHeapEntry{vchunk: vid, chunk: chunk})
	c.availableNumChunks.Add(1)
	c.availableBlkCount.Add(chunk.AvailableBlks())
}

func (c *PGChunkCollection) removeAvailLocked(vid VChunkID) bool {
	e, ok := c.avail.byID[vid]
	if !ok {
		return false
	}
	heap.Remove(&c.avail, e.heapIndex)
	c.availableNumChunks.Add(-1)
	c.availableBlkCount.Add(-e.chunk.AvailableBlks())
	return true
}

// PopMostAvailable pops the v_chunk_id with the most free blocks among
// this PG's AVAILABLE chunks, transitions it to INUSE, and returns it.
// Returns false if no AVAILABLE chunk remains.
func (c *PGChunkCollection) PopMostAvailable() (VChunkID, *ExtendedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avail.Len() == 0 {
		return 0, nil, false
	}
	e := heap.Pop(&c.avail).(*pgHeapEntry)
	c.availableNumChunks.Add(-1)
	c.availableBlkCount.Add(-e.chunk.AvailableBlks())
	e.chunk.setState(ChunkInUse)
	return e.vchunk, e.chunk, true
}

// MarkAvailable transitions the chunk at vid to AVAILABLE and reinserts it
// into the PG's available heap. Used by ReleaseChunk and GC finalisation.
func (c *PGChunkCollection) MarkAvailable(vid VChunkID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(vid) >= len(c.chunks) {
		return false
	}
	chunk := c.chunks[vid]
	chunk.setState(ChunkAvailable)
	c.pushAvailLocked(vid, chunk)
	return true
}

// SelectSpecific force-acquires the chunk at vid, transitioning
// AVAILABLE -> INUSE and removing it from the available heap. Fails if the
// chunk is not currently AVAILABLE.
func (c *PGChunkCollection) SelectSpecific(vid VChunkID) (*ExtendedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(vid) >= len(c.chunks) {
		return nil, false
	}
	chunk := c.chunks[vid]
	if chunk.State() != ChunkAvailable {
		return nil, false
	}
	if !c.removeAvailLocked(vid) {
		return nil, false
	}
	chunk.setState(ChunkInUse)
	return chunk, true
}

// Get returns the chunk bound at vid, or nil if out of range.
func (c *PGChunkCollection) Get(vid VChunkID) *ExtendedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(vid) >= len(c.chunks) {
		return nil
	}
	return c.chunks[vid]
}

// Len returns the number of v_chunk_id slots in this PG (bound or not).
func (c *PGChunkCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// All returns a snapshot slice of every chunk in v_chunk_id order.
func (c *PGChunkCollection) All() []*ExtendedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ExtendedChunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}

// AvailableNumChunks returns the count of chunks currently AVAILABLE.
func (c *PGChunkCollection) AvailableNumChunks() int64 { return c.availableNumChunks.Load() }

// AvailableBlkCount returns the aggregate free-block count across
// AVAILABLE chunks.
func (c *PGChunkCollection) AvailableBlkCount() uint64 { return c.availableBlkCount.Load() }

// TotalBlks returns the PG's fixed total block count.
func (c *PGChunkCollection) TotalBlks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBlks
}

// ReplaceBinding swaps the physical chunk backing vid from old to
// replacement, keeping the VChunkID and the replacement's state as given
// by the caller (used by Selector.SwitchChunksForPG). The replacement is
// not inserted into the available heap here; callers that want it
// selectable again call MarkAvailable separately.
func (c *PGChunkCollection) ReplaceBinding(vid VChunkID, replacement *ExtendedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(vid) >= len(c.chunks) {
		return
	}
	c.chunks[vid] = replacement
}
