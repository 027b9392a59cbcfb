// Package quiesce implements the process-wide pending-request counter
// spec'd as the shutdown gate: every public API entry point calls Enter,
// every exit path (including errors) calls Exit, and shutdown calls Drain
// to block until the counter reaches zero.
package quiesce

import (
	"context"
	"sync"
)

// Gate tracks in-flight requests and blocks Drain until none remain.
type Gate struct {
	mu       sync.Mutex
	pending  int64
	draining bool
	zeroCh   chan struct{}
}

// New returns a Gate accepting requests.
func New() *Gate {
	return &Gate{zeroCh: make(chan struct{})}
}

// Enter registers one in-flight request. It returns false if the gate is
// already draining — callers must refuse the request (SHUTTING_DOWN)
// rather than proceed.
func (g *Gate) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.pending++
	return true
}

// Exit retires one in-flight request. Must be called exactly once for
// every Enter call that returned true, on every exit path including
// errors.
func (g *Gate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending--
	if g.draining && g.pending == 0 {
		close(g.zeroCh)
	}
}

// Drain marks the gate as draining — no further Enter calls succeed —
// and blocks until every already-admitted request has called Exit, or
// ctx is done first.
func (g *Gate) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	if g.pending == 0 {
		close(g.zeroCh)
	}
	ch := g.zeroCh
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the current in-flight request count, for diagnostics.
func (g *Gate) Pending() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}
