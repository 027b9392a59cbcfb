package pgsuper

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDurableCounters_FetchAddIsSequential(t *testing.T) {
	var c DurableCounters
	assert.EqualValues(t, 0, c.FetchAddBlobSequenceNum())
	assert.EqualValues(t, 1, c.FetchAddBlobSequenceNum())
	assert.EqualValues(t, 2, c.BlobSequenceNum())
}

func TestDurableCounters_BumpBlobSequenceNumToIsMaxOnly(t *testing.T) {
	var c DurableCounters
	c.BumpBlobSequenceNumTo(5)
	assert.EqualValues(t, 5, c.BlobSequenceNum())
	c.BumpBlobSequenceNumTo(3)
	assert.EqualValues(t, 5, c.BlobSequenceNum(), "must never decrease")
	c.BumpBlobSequenceNumTo(9)
	assert.EqualValues(t, 9, c.BlobSequenceNum())
}

func TestDurableCounters_BumpBlobSequenceNumToIsConcurrencySafe(t *testing.T) {
	var c DurableCounters
	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			c.BumpBlobSequenceNumTo(v)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 100, c.BlobSequenceNum())
}

func TestDurableCounters_SnapshotRestoreRoundTrips(t *testing.T) {
	var c DurableCounters
	c.FetchAddBlobSequenceNum()
	c.IncrActiveBlobCount(3)
	c.IncrTombstoneBlobCount(1)
	c.AddTotalOccupiedBlkCount(42)

	snap := c.Snapshot()

	var restored DurableCounters
	restored.Restore(snap)
	assert.Equal(t, snap, restored.Snapshot())
}
