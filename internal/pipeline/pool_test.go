package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolTryEnqueueFull(t *testing.T) {
	p := NewPool(PoolOptions{QueueSize: 1, Log: zerolog.Nop()})
	noop := func(context.Context) {}

	require.NoError(t, p.TryEnqueue(Job{Class: ClassCPU, Run: noop}))
	assert.ErrorIs(t, p.TryEnqueue(Job{Class: ClassCPU, Run: noop}), ErrQueueFull)
	// lanes are independent
	require.NoError(t, p.TryEnqueue(Job{Class: ClassGPU, Run: noop}))
	assert.Equal(t, map[string]int{"cpu": 1, "gpu": 1}, p.QueueDepth())

	p.Stop()
	assert.ErrorIs(t, p.TryEnqueue(Job{Class: ClassCPU, Run: noop}), ErrPoolStopped)
	assert.ErrorIs(t, p.Enqueue(context.Background(), Job{Class: ClassCPU, Run: noop}), ErrPoolStopped)
}

func TestPoolRunsJobsPerLane(t *testing.T) {
	p := NewPool(PoolOptions{CPUWorkers: 2, GPUWorkers: 1, QueueSize: 4, Log: zerolog.Nop()})
	p.Start()
	defer p.Stop()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	block := func(context.Context) {
		defer wg.Done()
		<-release
	}
	require.NoError(t, p.TryEnqueue(Job{Class: ClassCPU, Run: block}))
	require.NoError(t, p.TryEnqueue(Job{Class: ClassCPU, Run: block}))
	require.NoError(t, p.TryEnqueue(Job{Class: ClassGPU, Run: block}))

	require.Eventually(t, func() bool {
		b := p.Busy()
		return b["cpu"] == 2 && b["gpu"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()
	require.Eventually(t, func() bool {
		b := p.Busy()
		return b["cpu"] == 0 && b["gpu"] == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolStopCancelsRunningJobs(t *testing.T) {
	p := NewPool(PoolOptions{Log: zerolog.Nop()})
	p.Start()

	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, p.TryEnqueue(Job{Class: ClassGPU, Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	}}))
	<-started
	p.Stop()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Error(t, p.Context().Err())
}

func TestPoolHandoff(t *testing.T) {
	p := NewPool(PoolOptions{Log: zerolog.Nop()})
	p.Start()
	defer p.Stop()

	ran := make(chan string, 2)
	second := Job{Class: ClassCPU, Step: "second", Run: func(context.Context) { ran <- "second" }}
	first := Job{Class: ClassGPU, Step: "first", Run: func(context.Context) {
		ran <- "first"
		p.handoff(second)
	}}
	require.NoError(t, p.TryEnqueue(first))

	assert.Equal(t, "first", <-ran)
	select {
	case got := <-ran:
		assert.Equal(t, "second", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handed-off job never ran")
	}
}
