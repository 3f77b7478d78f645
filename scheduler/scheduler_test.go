package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_SubmitDeduplicatesQueuedProject(t *testing.T) {
	p := New(nil, Config{Workers: 1, QueueSize: 4}, nil)

	require.True(t, p.Submit("requests", 42))
	require.False(t, p.Submit("requests", 42), "second submit while still queued should be rejected")
}

func TestPool_SubmitRejectedAfterDrain(t *testing.T) {
	p := New(nil, Config{Workers: 1, QueueSize: 4}, nil)
	p.Drain()
	require.False(t, p.Submit("requests", 0))
}

func TestPool_RunReturnsAfterDrain(t *testing.T) {
	// Runs without a real pipeline: nil Pipeline.Sync would panic, so
	// nothing is submitted and this test only checks that Run returns
	// once Drain has closed the empty queue, with ctx's timeout as the
	// backstop, regardless of what the pipeline does per project.
	p := New(nil, Config{Workers: 2, QueueSize: 4}, nil)
	p.Drain()

	var ran int32
	go func() {
		for range p.Outcomes() {
			atomic.AddInt32(&ran, 1)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)
}
