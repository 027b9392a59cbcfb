// Command gcadmin drives the GC state machine on a running blobnoded
// instance over its admin HTTP surface: marking a chunk into GC,
// finalizing it back out, and swapping a PG's binding from an old chunk to
// a relocated one. It is a CLI, not a long-running service — each
// invocation issues one admin call, retrying transient failures with
// exponential backoff the way a real GC driver would when a node is
// momentarily unreachable mid-rolling-restart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dreamware/blobnode/internal/rpcutil"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := getenv("GCADMIN_NODE_ADDR", "http://localhost:8090")
	timeout := 10 * time.Second

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	switch cmd {
	case "inspect-chunk":
		err = runInspectChunk(ctx, addr, args)
	case "mark-gc":
		err = runMarkGC(ctx, addr, args)
	case "mark-out-of-gc":
		err = runMarkOutOfGC(ctx, addr, args)
	case "switch-chunks":
		err = runSwitchChunks(ctx, addr, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "gcadmin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: gcadmin <command> [flags]

commands:
  inspect-chunk   -chunk ID
  mark-gc         -chunk ID [-force]
  mark-out-of-gc  -chunk ID -final-state {available|inuse|gc} -task-id N
  switch-chunks   -pg ID -old-id ID -new-id ID -task-id N

env:
  GCADMIN_NODE_ADDR   base URL of the target node (default http://localhost:8090)`)
}

// withRetry retries op against transient failures (connection refused,
// 503/504 from the node mid-restart) with capped exponential backoff.
// rpcutil.StatusError for a 4xx response is treated as permanent — retrying
// a bad request forever would just paper over a caller bug.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var se *rpcutil.StatusError
		if ok := asStatusError(err, &se); ok && se.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func asStatusError(err error, target **rpcutil.StatusError) bool {
	se, ok := err.(*rpcutil.StatusError)
	if ok {
		*target = se
	}
	return ok
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runInspectChunk(ctx context.Context, addr string, args []string) error {
	fs := flag.NewFlagSet("inspect-chunk", flag.ExitOnError)
	chunk := fs.Uint64("chunk", 0, "p_chunk_id")
	fs.Parse(args)

	var out map[string]any
	if err := withRetry(ctx, func() error {
		return rpcutil.GetJSON(ctx, fmt.Sprintf("%s/admin/chunks/%d", addr, *chunk), &out)
	}); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func runMarkGC(ctx context.Context, addr string, args []string) error {
	fs := flag.NewFlagSet("mark-gc", flag.ExitOnError)
	chunk := fs.Uint64("chunk", 0, "p_chunk_id")
	force := fs.Bool("force", false, "mark an INUSE chunk into GC (emergent GC)")
	fs.Parse(args)

	var out map[string]any
	if err := withRetry(ctx, func() error {
		return rpcutil.PostJSON(ctx, fmt.Sprintf("%s/admin/chunks/%d/mark-gc", addr, *chunk),
			map[string]bool{"force": *force}, &out)
	}); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func runMarkOutOfGC(ctx context.Context, addr string, args []string) error {
	fs := flag.NewFlagSet("mark-out-of-gc", flag.ExitOnError)
	chunk := fs.Uint64("chunk", 0, "p_chunk_id")
	finalState := fs.String("final-state", "available", "available|inuse|gc")
	taskID := fs.Uint64("task-id", 0, "gc task id, for log correlation")
	fs.Parse(args)

	return withRetry(ctx, func() error {
		return rpcutil.PostJSON(ctx, fmt.Sprintf("%s/admin/chunks/%d/mark-out-of-gc", addr, *chunk),
			map[string]any{"final_state": *finalState, "task_id": *taskID}, nil)
	})
}

func runSwitchChunks(ctx context.Context, addr string, args []string) error {
	fs := flag.NewFlagSet("switch-chunks", flag.ExitOnError)
	pg := fs.Uint64("pg", 0, "placement group id")
	oldID := fs.Uint64("old-id", 0, "p_chunk_id currently bound")
	newID := fs.Uint64("new-id", 0, "p_chunk_id to bind in its place")
	taskID := fs.Uint64("task-id", 0, "gc task id, for log correlation")
	fs.Parse(args)

	return withRetry(ctx, func() error {
		return rpcutil.PostJSON(ctx, fmt.Sprintf("%s/admin/pg/%d/switch-chunks", addr, *pg),
			map[string]uint64{"old_id": *oldID, "new_id": *newID, "task_id": *taskID}, nil)
	})
}
