package blobstore

import "github.com/dreamware/blobnode/internal/shardmeta"

// Blob is the client-visible object returned by Get.
type Blob struct {
	Body         []byte
	UserKey      []byte
	ObjectOffset uint64
	// LeaderHint carries the replica's leader, attached to every
	// response so a client can cache it for its next write even on a
	// successful read.
	LeaderHint string
}

// PutRequest bundles a PUT call's payload.
type PutRequest struct {
	Body         []byte
	UserKey      []byte
	ObjectOffset uint64
	TraceID      string
}

// ShardResolver is the slice of shard-manager bookkeeping the blob
// pipeline consumes: given a shard_id, the pinned chunk and lifecycle
// state it was created with. Shard creation/sealing itself is out of
// scope.
type ShardResolver interface {
	GetShardInfo(shardID uint64) (shardmeta.ShardInfo, bool)
}
