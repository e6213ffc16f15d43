// Package persist runs blocking persistence work off the latency-sensitive
// paths.
//
// Jobs are sharded by key onto a fixed set of workers: jobs with the same key
// run one at a time in submission order, so the DAO sees the status updates
// of one command in the order they were accepted. Different keys run in
// parallel.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned when submitting to a closed pool.
	ErrClosed = errors.New("persist: pool closed")
	// ErrQueueFull is returned by Submit when the key's shard has no room.
	ErrQueueFull = errors.New("persist: queue full")
)

// Job is one unit of blocking work. It is an alias so that *Pool satisfies
// executor interfaces declared with the plain func type.
type Job = func(ctx context.Context) error

type task struct {
	key  string
	fn   Job
	done chan error // nil for fire-and-forget
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Pending   int
}

// Pool is a key-sharded worker pool. A job must not call Do or Flush on the
// pool that runs it: a job waiting on its own shard never completes.
type Pool struct {
	name   string
	shards []chan task
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool with the given number of workers, each with a queue of
// queueSize pending jobs.
func New(name string, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		shards: make([]chan task, workers),
		logger: logger.With("component", "persist", "pool", name),
		ctx:    ctx,
		cancel: cancel,
		g:      &errgroup.Group{},
	}
	for i := range p.shards {
		ch := make(chan task, queueSize)
		p.shards[i] = ch
		p.g.Go(func() error {
			p.work(ch)
			return nil
		})
	}
	return p
}

// Name returns the pool name given to New.
func (p *Pool) Name() string { return p.name }

func (p *Pool) shard(key string) chan task {
	return p.shards[xxhash.Sum64String(key)%uint64(len(p.shards))]
}

// Submit queues fn for key and returns without waiting for it. It never
// blocks: when the shard's queue is full the job is dropped with
// ErrQueueFull. Failures of fn are logged and counted.
func (p *Pool) Submit(key string, fn Job) error {
	return p.enqueue(nil, task{key: key, fn: fn})
}

// Do runs fn on key's worker and waits for its result or for ctx. Unlike
// Submit it waits for queue room. A job already queued when ctx expires still
// runs.
func (p *Pool) Do(ctx context.Context, key string, fn Job) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, task{key: key, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue waits for room until ctx is done, or not at all when ctx is nil.
func (p *Pool) enqueue(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	ch := p.shard(t.key)
	if ctx == nil {
		select {
		case ch <- t:
		default:
			p.rejected.Add(1)
			return ErrQueueFull
		}
	} else {
		select {
		case ch <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.submitted.Add(1)
	return nil
}

// Flush waits until every job submitted before the call has finished.
func (p *Pool) Flush(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	barriers := make([]chan error, len(p.shards))
	for i, ch := range p.shards {
		b := make(chan error, 1)
		barriers[i] = b
		ch <- task{fn: func(context.Context) error { return nil }, done: b}
	}
	p.mu.RUnlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting jobs, drains the queues and waits for the workers or
// for ctx. Jobs still running when ctx expires see their context cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.g.Wait() }()
	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("persist: close %s: %w", p.name, ctx.Err())
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	pending := 0
	for _, ch := range p.shards {
		pending += len(ch)
	}
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Pending:   pending,
	}
}

func (p *Pool) work(ch <-chan task) {
	for t := range ch {
		err := p.run(t)
		p.completed.Add(1)
		if err != nil {
			p.failed.Add(1)
			if t.done == nil {
				p.logger.Error("job failed", "key", t.key, "error", err)
			}
		}
		if t.done != nil {
			t.done <- err
		}
	}
}

func (p *Pool) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "key", t.key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("persist: job panicked: %v", r)
		}
	}()
	return t.fn(p.ctx)
}
