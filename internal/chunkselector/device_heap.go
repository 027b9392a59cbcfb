package chunkselector

import (
	"container/heap"
	"sync"
)

// DeviceHeap is a max-heap, keyed on available blocks, over the unbound
// AVAILABLE chunks of one physical device. It mirrors homeobject's
// ChunkHeap: a priority queue plus the aggregate counters GC and capacity
// planning read without draining the heap.
type DeviceHeap struct {
	mu sync.Mutex
	pq chunkHeapImpl

	// availableBlkCount and totalBlks are maintained incrementally; the
	// latter is fixed once every chunk for this device has been seen
	// during boot and never changes again at runtime.
	availableBlkCount uint64
	totalBlks         uint64
}

// NewDeviceHeap returns an empty heap for one device.
func NewDeviceHeap() *DeviceHeap {
	h := &DeviceHeap{}
	heap.Init(&h.pq)
	return h
}

// chunkHeapImpl implements container/heap.Interface as a max-heap on
// AvailableBlks(). Ties are broken by insertion order (heap index),
// matching spec.md's "arbitrary but deterministic" tie-break.
type chunkHeapImpl []*ExtendedChunk

func (h chunkHeapImpl) Len() int { return len(h) }
func (h chunkHeapImpl) Less(i, j int) bool {
	return h[i].AvailableBlks() > h[j].AvailableBlks()
}
func (h chunkHeapImpl) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *chunkHeapImpl) Push(x any)   { *h = append(*h, x.(*ExtendedChunk)) }
func (h *chunkHeapImpl) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Push adds an unbound AVAILABLE chunk to the device heap and bumps the
// aggregate available-block counter. It does not touch totalBlks — that is
// only ever incremented at boot via AddTotal.
func (h *DeviceHeap) Push(c *ExtendedChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	heap.Push(&h.pq, c)
	h.availableBlkCount += c.AvailableBlks()
}

// AddTotal records a chunk's capacity toward the device's fixed total,
// called once per chunk during boot regardless of whether the chunk is
// pushed into the heap immediately.
func (h *DeviceHeap) AddTotal(totalBlks uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalBlks += totalBlks
}

// Pop removes and returns the chunk with the most available blocks, or nil
// if the heap is empty.
func (h *DeviceHeap) Pop() *ExtendedChunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pq.Len() == 0 {
		return nil
	}
	c := heap.Pop(&h.pq).(*ExtendedChunk)
	h.availableBlkCount -= c.AvailableBlks()
	return c
}

// Size returns the number of chunks currently in the heap.
func (h *DeviceHeap) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pq.Len()
}

// AvailableBlkCount returns the aggregate free-block count across the
// chunks currently held in the heap.
func (h *DeviceHeap) AvailableBlkCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.availableBlkCount
}

// TotalBlks returns the device's fixed total block count.
func (h *DeviceHeap) TotalBlks() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalBlks
}

// PopN atomically pops the n chunks with the most available blocks, or
// returns (nil, false) if fewer than n are present — nothing is popped in
// that case.
func (h *DeviceHeap) PopN(n int) ([]*ExtendedChunk, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pq.Len() < n {
		return nil, false
	}
	out := make([]*ExtendedChunk, 0, n)
	for i := 0; i < n; i++ {
		c := heap.Pop(&h.pq).(*ExtendedChunk)
		h.availableBlkCount -= c.AvailableBlks()
		out = append(out, c)
	}
	return out, true
}
