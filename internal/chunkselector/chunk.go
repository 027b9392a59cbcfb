// Package chunkselector implements the chunk registry, per-device heap,
// per-PG chunk collection, and the selector façade that sits in front of
// them. It is the Go translation of the HeapChunkSelector component of the
// HomeObject C++ backend: chunks are fixed-size extents on a physical
// device, grouped into placement groups (PGs), and handed out to shard
// creation and GC by most-free-blocks-first order.
//
// See doc.go for the package-level architecture overview.
package chunkselector

import (
	"sync"
	"sync/atomic"
)

// ChunkState is the lifecycle state of a physical chunk.
type ChunkState uint8

const (
	// ChunkAvailable chunks are selectable: either bound to a PG and
	// eligible for shard allocation, or unbound and eligible for PG
	// formation.
	ChunkAvailable ChunkState = iota
	// ChunkInUse chunks are currently backing an open shard.
	ChunkInUse
	// ChunkGC chunks are reserved by the garbage collector and not
	// selectable by any other path.
	ChunkGC
)

func (s ChunkState) String() string {
	switch s {
	case ChunkAvailable:
		return "available"
	case ChunkInUse:
		return "inuse"
	case ChunkGC:
		return "gc"
	default:
		return "unknown"
	}
}

// PChunkID is the process-wide unique identifier of a physical chunk.
type PChunkID uint64

// PGID identifies a placement group.
type PGID uint64

// VChunkID is a dense, per-PG index into that PG's chunk collection.
type VChunkID uint32

// PDevID identifies a physical device.
type PDevID uint32

// Binding records that a chunk belongs to a PG's chunk collection at a
// specific, stable virtual-chunk index.
type Binding struct {
	PGID     PGID
	VChunkID VChunkID
}

// ExtendedChunk is one physical chunk known to the selector. Its identity
// and capacity are immutable; state, binding and available-block count are
// mutated by whichever component currently owns the chunk (a DeviceHeap or
// a PGChunkCollection), under that component's own mutex. A chunk's own
// RWMutex only protects readers that reach it from *outside* that
// component — e.g. GetExtendedChunk — against a concurrent owner mutation.
type ExtendedChunk struct {
	mu            sync.RWMutex
	availableBlks atomic.Uint64

	PChunkID  PChunkID
	PDevID    PDevID
	TotalBlks uint64

	state   ChunkState
	binding *Binding
}

// NewExtendedChunk creates a chunk in the AVAILABLE, unbound state, as
// every chunk starts at boot (see Selector.AddChunk).
func NewExtendedChunk(id PChunkID, dev PDevID, totalBlks, availableBlks uint64) *ExtendedChunk {
	c := &ExtendedChunk{
		PChunkID:  id,
		PDevID:    dev,
		TotalBlks: totalBlks,
		state:     ChunkAvailable,
	}
	c.availableBlks.Store(availableBlks)
	return c
}

// AvailableBlks returns the chunk's current free-block count, as reported
// by the underlying block allocator.
func (c *ExtendedChunk) AvailableBlks() uint64 {
	return c.availableBlks.Load()
}

// SetAvailableBlks updates the free-block count. Called by the allocator
// integration when blocks are consumed or freed; not used by the selector
// itself outside of tests.
func (c *ExtendedChunk) SetAvailableBlks(v uint64) {
	c.availableBlks.Store(v)
}

// State returns the chunk's current lifecycle state.
func (c *ExtendedChunk) State() ChunkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Binding returns a copy of the chunk's PG binding, or nil if unbound.
func (c *ExtendedChunk) Binding() *Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.binding == nil {
		return nil
	}
	b := *c.binding
	return &b
}

// Available reports whether the chunk is in the AVAILABLE state.
func (c *ExtendedChunk) Available() bool {
	return c.State() == ChunkAvailable
}

// setState transitions the chunk's state. Callers must hold the mutex of
// whichever component currently owns the chunk.
func (c *ExtendedChunk) setState(s ChunkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// setBinding assigns or clears the chunk's PG binding. Callers must hold
// the mutex of whichever component currently owns the chunk.
func (c *ExtendedChunk) setBinding(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binding = b
}
