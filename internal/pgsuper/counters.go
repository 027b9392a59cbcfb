// Package pgsuper implements the durable, per-PG counters and superblock
// the blob pipeline checkpoints to disk, and the ordering rule that makes
// replay safe: a PG's superblock checkpoint must land strictly before the
// index checkpoint covering the same LSN boundary.
package pgsuper

import "sync/atomic"

// DurableCounters holds the four monotonic/near-monotonic counters a PG's
// superblock persists. All fields are updated lock-free; blob_sequence_num
// specifically needs a compare-and-swap loop rather than a plain add,
// since both the eager proposer-side allocation and CAS-max replay bump
// the same field from different call sites.
type DurableCounters struct {
	blobSequenceNum       atomic.Uint64
	activeBlobCount       atomic.Int64
	tombstoneBlobCount    atomic.Int64
	totalOccupiedBlkCount atomic.Uint64
}

// FetchAddBlobSequenceNum atomically reserves the next blob_id and
// returns it — the eager allocation PUT does on the proposer, before
// leadership or readiness has even been checked, so the id can be handed
// back to the client regardless of how the request resolves.
func (c *DurableCounters) FetchAddBlobSequenceNum() uint64 {
	return c.blobSequenceNum.Add(1) - 1
}

// BumpBlobSequenceNumTo raises blob_sequence_num to at least minVal via a
// CAS-max loop. Idempotent: replaying the same commit twice, or replaying
// commits out of blob_id order, converges to the same value either way.
func (c *DurableCounters) BumpBlobSequenceNumTo(minVal uint64) {
	for {
		cur := c.blobSequenceNum.Load()
		if cur >= minVal {
			return
		}
		if c.blobSequenceNum.CompareAndSwap(cur, minVal) {
			return
		}
	}
}

// BlobSequenceNum returns the current value.
func (c *DurableCounters) BlobSequenceNum() uint64 { return c.blobSequenceNum.Load() }

// IncrActiveBlobCount adds delta (may be negative) to active_blob_count.
func (c *DurableCounters) IncrActiveBlobCount(delta int64) {
	c.activeBlobCount.Add(delta)
}

// ActiveBlobCount returns the current value.
func (c *DurableCounters) ActiveBlobCount() int64 { return c.activeBlobCount.Load() }

// IncrTombstoneBlobCount adds delta to tombstone_blob_count.
func (c *DurableCounters) IncrTombstoneBlobCount(delta int64) {
	c.tombstoneBlobCount.Add(delta)
}

// TombstoneBlobCount returns the current value.
func (c *DurableCounters) TombstoneBlobCount() int64 { return c.tombstoneBlobCount.Load() }

// AddTotalOccupiedBlkCount adds delta blocks to total_occupied_blk_count.
func (c *DurableCounters) AddTotalOccupiedBlkCount(delta uint64) {
	c.totalOccupiedBlkCount.Add(delta)
}

// TotalOccupiedBlkCount returns the current value.
func (c *DurableCounters) TotalOccupiedBlkCount() uint64 { return c.totalOccupiedBlkCount.Load() }

// Snapshot is a point-in-time copy of the counters, suitable for
// serializing into a superblock checkpoint.
type Snapshot struct {
	BlobSequenceNum       uint64
	ActiveBlobCount       int64
	TombstoneBlobCount    int64
	TotalOccupiedBlkCount uint64
}

// Snapshot returns the counters' current values.
func (c *DurableCounters) Snapshot() Snapshot {
	return Snapshot{
		BlobSequenceNum:       c.BlobSequenceNum(),
		ActiveBlobCount:       c.ActiveBlobCount(),
		TombstoneBlobCount:    c.TombstoneBlobCount(),
		TotalOccupiedBlkCount: c.TotalOccupiedBlkCount(),
	}
}

// Restore overwrites the counters from a snapshot, used when loading a
// superblock at boot.
func (c *DurableCounters) Restore(s Snapshot) {
	c.blobSequenceNum.Store(s.BlobSequenceNum)
	c.activeBlobCount.Store(s.ActiveBlobCount)
	c.tombstoneBlobCount.Store(s.TombstoneBlobCount)
	c.totalOccupiedBlkCount.Store(s.TotalOccupiedBlkCount)
}
