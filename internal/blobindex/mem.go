package blobindex

import (
	"context"
	"sort"
	"sync"

	"github.com/dreamware/blobnode/internal/replctl"
)

type memEntry struct {
	key   Key
	value replctl.MultiBlkId
}

// MemIndexTable is an ordered in-memory IndexTable: a sorted slice with
// binary search, not a balanced tree — adequate for tests and the demo
// binary, matching the "ordered key→location map" of the data model
// without pulling in a real B-tree dependency for a component the spec
// explicitly keeps out of scope.
type MemIndexTable struct {
	mu      sync.RWMutex
	entries []memEntry
}

// NewMemIndexTable returns an empty table.
func NewMemIndexTable() *MemIndexTable {
	return &MemIndexTable{}
}

func (t *MemIndexTable) search(key Key) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].key.Less(key)
	})
	if i < len(t.entries) && t.entries[i].key == key {
		return i, true
	}
	return i, false
}

func (t *MemIndexTable) Put(ctx context.Context, key Key, value replctl.MultiBlkId, mode PutMode) (PutStatus, replctl.MultiBlkId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := t.search(key)
	if found {
		prev := t.entries[i].value
		if mode == PutInsert {
			return StatusKeyExists, prev, nil
		}
		t.entries[i].value = value
		return StatusSuccess, prev, nil
	}

	if mode == PutUpdate {
		return StatusNotFound, replctl.MultiBlkId{}, nil
	}

	t.entries = append(t.entries, memEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = memEntry{key: key, value: value}
	return StatusSuccess, replctl.MultiBlkId{}, nil
}

func (t *MemIndexTable) Get(ctx context.Context, key Key) (replctl.MultiBlkId, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, found := t.search(key)
	if !found {
		return replctl.MultiBlkId{}, false, nil
	}
	return t.entries[i].value, true, nil
}

func (t *MemIndexTable) Close() error { return nil }

// Len returns the number of keys currently stored — used by tests
// asserting the quantified invariants in spec.md §8.
func (t *MemIndexTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
