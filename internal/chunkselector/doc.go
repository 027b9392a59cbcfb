// Package chunkselector tracks every physical chunk on every device, which
// placement group (if any) each chunk is bound to, and which of a PG's
// chunks are free to hand out to a new shard.
//
// Three layers compose the package:
//
//   - ExtendedChunk: one physical chunk's identity, capacity and lifecycle
//     state (AVAILABLE, INUSE, GC).
//   - DeviceHeap and PGChunkCollection: two different views over the same
//     chunks. A chunk with no PG binding lives in its device's DeviceHeap,
//     ordered by free blocks, and is handed out whenever a PG is formed. A
//     chunk bound to a PG lives in that PG's PGChunkCollection instead, at
//     a fixed v_chunk_id, and is handed out to shard creation from the
//     collection's own free-blocks heap.
//   - Selector: the façade gluing both views together behind one registry,
//     implementing chunk binding, PG formation, shard-level allocation, and
//     the handful of GC operations that move a chunk between states or
//     swap one physical chunk for another within a PG without changing the
//     PG's v_chunk_id layout.
//
// Lock order is always the Selector's registry lock (for map membership)
// before a DeviceHeap's or PGChunkCollection's own lock (for heap
// mutation); neither of the latter two ever takes the other.
package chunkselector
