// Package queue provides a single-consumer priority job queue. It serializes
// access to a scarce resource (typically one local inference backend) so that
// interactive work can jump ahead of background work without ever preempting
// a job that is already running.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/logging"
)

// Default priorities. Lower numbers run first.
const (
	PriorityInteractive = 1
	PriorityBackground  = 50
)

// ErrQueueStopped is returned for jobs that never ran because the queue stopped.
var ErrQueueStopped = errors.New("queue stopped")

// Job is a unit of work. It receives the context passed at enqueue time.
type Job func(ctx context.Context) (any, error)

// Handle is the one-shot completion of an enqueued job.
type Handle struct {
	id     string
	done   chan struct{}
	result any
	err    error
}

func newHandle() *Handle {
	return &Handle{id: core.NewID(), done: make(chan struct{})}
}

// ID returns the job id used in log records.
func (h *Handle) ID() string { return h.id }

// Done is closed once the job has completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job completes or ctx ends. Giving up on the wait does
// not cancel the job.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) complete(result any, err error) {
	h.result, h.err = result, err
	close(h.done)
}

type entry struct {
	ctx    context.Context
	fn     Job
	handle *Handle
}

// Options configures a Queue.
type Options struct {
	Logger logging.Logger
}

// Queue holds jobs in per-priority FIFO buckets and runs them one at a time
// from a single dispatcher goroutine.
type Queue struct {
	opts Options

	mu      sync.Mutex
	buckets map[int][]*entry
	pending int
	stopped bool

	wake      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Queue. Call Start to begin dispatching.
func New(optFns ...func(o *Options)) *Queue {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Queue{
		opts:    opts,
		buckets: make(map[int][]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue schedules fn at priority and returns its handle. Jobs enqueued
// after Stop complete immediately with ErrQueueStopped.
func (q *Queue) Enqueue(ctx context.Context, priority int, fn Job) *Handle {
	h := newHandle()
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		h.complete(nil, ErrQueueStopped)
		return h
	}
	q.buckets[priority] = append(q.buckets[priority], &entry{ctx: ctx, fn: fn, handle: h})
	q.pending++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return h
}

// EnqueueDetached schedules fn without a waiter. The outcome is only logged.
func (q *Queue) EnqueueDetached(ctx context.Context, priority int, name string, fn Job) {
	h := q.Enqueue(ctx, priority, fn)
	go func() {
		<-h.Done()
		if h.err != nil {
			q.opts.Logger.Warn("queue.detached.failed", "job", name, "job_id", h.id, "error", h.err.Error())
		}
	}()
}

// Do enqueues fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	h := q.Enqueue(ctx, priority, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	})
	v, err := h.Wait(ctx)
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Len returns the number of jobs waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Start launches the dispatcher. Cancelling ctx has the same effect as Stop.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		q.wg.Add(1)
		go q.dispatch(ctx)
	})
}

// Stop halts the dispatcher after the running job (if any) finishes and fails
// every job still waiting with ErrQueueStopped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
	q.wg.Wait()
	q.drain()
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	defer q.drain()
	for {
		if ctx.Err() != nil {
			return
		}
		e := q.next()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.run(e)
	}
}

// next pops the oldest job of the lowest priority number.
func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	best, found := 0, false
	for p, b := range q.buckets {
		if len(b) > 0 && (!found || p < best) {
			best, found = p, true
		}
	}
	if !found {
		return nil
	}
	b := q.buckets[best]
	e := b[0]
	b[0] = nil
	if len(b) == 1 {
		delete(q.buckets, best)
	} else {
		q.buckets[best] = b[1:]
	}
	q.pending--
	return e
}

func (q *Queue) run(e *entry) {
	if err := e.ctx.Err(); err != nil {
		e.handle.complete(nil, err)
		return
	}
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
				q.opts.Logger.Error("queue.job.panic", "job_id", e.handle.id, "recover", r)
			}
		}()
		result, err = e.fn(e.ctx)
	}()
	if err != nil {
		q.opts.Logger.Debug("queue.job.failed", "job_id", e.handle.id, "error", err.Error())
	}
	e.handle.complete(result, err)
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.stopped = true
	buckets := q.buckets
	q.buckets = make(map[int][]*entry)
	q.pending = 0
	q.mu.Unlock()
	for _, b := range buckets {
		for _, e := range b {
			e.handle.complete(nil, ErrQueueStopped)
		}
	}
}
