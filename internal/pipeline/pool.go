package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Class is a worker resource class.
type Class string

const (
	ClassCPU Class = "cpu"
	ClassGPU Class = "gpu"
)

// ErrQueueFull is returned when a lane has no room for another job.
var ErrQueueFull = errors.New("queue full")

// ErrPoolStopped is returned for jobs submitted after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is one step invocation dispatched to a lane.
type Job struct {
	Class       Class
	OperationID string
	Step        string
	Run         func(ctx context.Context)
}

// PoolOptions configures the worker pool.
type PoolOptions struct {
	CPUWorkers int
	GPUWorkers int
	QueueSize  int
	Log        zerolog.Logger
}

type lane struct {
	jobs    chan Job
	workers int
	busy    atomic.Int64
}

// Pool runs jobs on per-class worker lanes.
type Pool struct {
	lanes  map[Class]*lane
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
}

func NewPool(opts PoolOptions) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	size := max(opts.QueueSize, 1)
	return &Pool{
		lanes: map[Class]*lane{
			ClassCPU: {jobs: make(chan Job, size), workers: max(opts.CPUWorkers, 1)},
			ClassGPU: {jobs: make(chan Job, size), workers: max(opts.GPUWorkers, 1)},
		},
		log:    opts.Log.With().Str("component", "worker-pool").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for class, l := range p.lanes {
		for i := 0; i < l.workers; i++ {
			p.wg.Add(1)
			go p.worker(class, l, i)
		}
	}
	p.log.Info().
		Int("cpu_workers", p.lanes[ClassCPU].workers).
		Int("gpu_workers", p.lanes[ClassGPU].workers).
		Int("queue_size", cap(p.lanes[ClassCPU].jobs)).
		Msg("worker pool started")
}

// Stop cancels running jobs and waits for workers to exit. Queued jobs are
// dropped; their operations stay non-terminal and resume on next start.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info().Int64("completed", p.completed.Load()).Msg("worker pool stopped")
}

// TryEnqueue adds a job without blocking.
func (p *Pool) TryEnqueue(j Job) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	l, ok := p.lanes[j.Class]
	if !ok {
		l = p.lanes[ClassCPU]
	}
	select {
	case l.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue adds a job, waiting for room until ctx or the pool is done.
func (p *Pool) Enqueue(ctx context.Context, j Job) error {
	l, ok := p.lanes[j.Class]
	if !ok {
		l = p.lanes[ClassCPU]
	}
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// handoff submits the next job from inside a running job without holding
// the worker while the lane is full.
func (p *Pool) handoff(j Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Enqueue(p.ctx, j); err != nil {
			p.log.Warn().Err(err).Str("operation_id", j.OperationID).Str("step", j.Step).Msg("handoff dropped")
		}
	}()
}

// QueueDepth reports queued jobs per class.
func (p *Pool) QueueDepth() map[string]int {
	out := make(map[string]int, len(p.lanes))
	for c, l := range p.lanes {
		out[string(c)] = len(l.jobs)
	}
	return out
}

// Busy reports running jobs per class.
func (p *Pool) Busy() map[string]int {
	out := make(map[string]int, len(p.lanes))
	for c, l := range p.lanes {
		out[string(c)] = int(l.busy.Load())
	}
	return out
}

// Context is cancelled when the pool stops.
func (p *Pool) Context() context.Context { return p.ctx }

func (p *Pool) worker(class Class, l *lane, id int) {
	defer p.wg.Done()
	log := p.log.With().Str("class", string(class)).Int("worker", id).Logger()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-l.jobs:
			l.busy.Add(1)
			log.Debug().Str("operation_id", j.OperationID).Str("step", j.Step).Msg("job started")
			j.Run(p.ctx)
			l.busy.Add(-1)
			p.completed.Add(1)
		}
	}
}
