package quiesce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_DrainWithNoPendingReturnsImmediately(t *testing.T) {
	g := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Drain(ctx))
}

func TestGate_DrainWaitsForPendingToExit(t *testing.T) {
	g := New()
	require.True(t, g.Enter())

	done := make(chan error, 1)
	go func() {
		done <- g.Drain(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Drain returned before Exit was called")
	case <-time.After(50 * time.Millisecond):
	}

	g.Exit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Drain did not unblock after Exit")
	}
}

func TestGate_EnterFailsAfterDrainStarts(t *testing.T) {
	g := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = g.Drain(ctx)
	assert.False(t, g.Enter())
}

func TestGate_DrainRespectsContextCancellation(t *testing.T) {
	g := New()
	require.True(t, g.Enter())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	g.Exit()
}
