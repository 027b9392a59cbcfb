// Package shardmeta defines the shard identity and metadata consumed by
// the blob pipeline: how a shard_id packs a placement-group id and a
// shard-local id into one integer, and the small amount of per-shard
// state (which chunk backs it, whether it still accepts writes) that the
// allocation-hint path needs. Shard creation/sealing orchestration itself
// is shard-manager bookkeeping and out of scope.
package shardmeta

import "fmt"

// shardWidth is the number of low bits reserved for the shard-local id;
// the remaining high bits hold the placement-group id. 48/16 matches
// shard_id=0x0001_0000_0000_0001 decoding to pg=1, local=1, while still
// keeping the encode/decode a pair of shifts instead of an arbitrary-width
// bitfield.
const shardWidth = 48

const shardMask = uint64(1)<<shardWidth - 1

// EncodeShardID packs a placement-group id and a shard-local id into one
// shard_id.
func EncodeShardID(pg uint64, local uint32) uint64 {
	return (pg << shardWidth) | uint64(local)
}

// DecodeShardID splits a shard_id back into its placement-group id and
// shard-local id.
func DecodeShardID(shardID uint64) (pg uint64, local uint32) {
	return shardID >> shardWidth, uint32(shardID & shardMask)
}

// ShardState is a shard's write-availability state. Only Open and Sealed
// are modeled here: original_source's ShardInfo::State enum also has
// Deleted, but deletion is shard-manager bookkeeping the spec keeps out
// of scope for this node.
type ShardState uint8

const (
	ShardOpen ShardState = iota
	ShardSealed
)

func (s ShardState) String() string {
	switch s {
	case ShardOpen:
		return "open"
	case ShardSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// ShardInfo is the metadata the blob pipeline consumes about a shard when
// resolving allocation hints: its identity, which PG it lives in, which
// physical chunk it was pinned to at creation, and whether it still
// accepts writes.
type ShardInfo struct {
	ID             uint64
	PlacementGroup uint64
	PChunkID       uint64
	State          ShardState
}

// String renders a ShardInfo for logs.
func (s ShardInfo) String() string {
	pg, local := DecodeShardID(s.ID)
	return fmt.Sprintf("shard{id=%d pg=%d local=%d chunk=%d state=%s}", s.ID, pg, local, s.PChunkID, s.State)
}

// Superblock is the durable per-shard record: just the pinned chunk,
// since everything else about a shard (its id, its PG) is derivable from
// where the superblock itself is stored.
type Superblock struct {
	PChunkID uint64
}
