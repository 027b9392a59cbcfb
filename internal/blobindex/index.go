// Package blobindex defines the per-PG ordered key→location index the
// blob pipeline persists through, plus two implementations: an in-memory
// one for tests, and a pebble-backed one standing in for the real B-tree
// index engine (out of scope) well enough to drive the demo binary.
package blobindex

import (
	"context"

	"github.com/dreamware/blobnode/internal/replctl"
)

// PutMode mirrors the B-tree engine's insert-vs-upsert distinction.
type PutMode uint8

const (
	// PutInsert fails with StatusKeyExists if key is already present —
	// used by the PUT commit path, which needs to know whether this is
	// the first application of a given (shard_id, blob_id).
	PutInsert PutMode = iota
	// PutUpdate overwrites any existing value — used by the DELETE
	// commit path to install the tombstone.
	PutUpdate
)

// PutStatus is the outcome of an IndexTable.Put call.
type PutStatus uint8

const (
	StatusSuccess PutStatus = iota
	StatusKeyExists
	StatusNotFound
)

func (s PutStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyExists:
		return "key_exists"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Key is the per-PG index key: (shard_id, blob_id).
type Key struct {
	ShardID uint64
	BlobID  uint64
}

// Less orders keys the way a B-tree would: shard_id major, blob_id minor —
// the ordering MemIndexTable and PebbleIndexTable's byte-encoding both
// preserve.
func (k Key) Less(other Key) bool {
	if k.ShardID != other.ShardID {
		return k.ShardID < other.ShardID
	}
	return k.BlobID < other.BlobID
}

// IndexTable is the contract consumed from the external B-tree index
// engine: an ordered, durable map from (shard_id, blob_id) to the
// MultiBlkId holding that blob's bytes.
type IndexTable interface {
	// Put inserts or updates key depending on mode. previous is the
	// value that occupied key before this call, valid only when status
	// is StatusKeyExists (mode Insert hit an existing key) — callers
	// needing the prior value on an Update read it via Get first, as
	// the real B-tree engine does.
	Put(ctx context.Context, key Key, value replctl.MultiBlkId, mode PutMode) (status PutStatus, previous replctl.MultiBlkId, err error)
	// Get looks up key, returning found=false if absent.
	Get(ctx context.Context, key Key) (value replctl.MultiBlkId, found bool, err error)
	// Close releases any resources held by the implementation.
	Close() error
}
