// Package dispatch delivers finalized call audio to the backend.
//
// Each call owns one [Queue] per concern (segment uploads, turn ingest). A
// queue is a FIFO drained by at most one worker goroutine, so jobs for the
// same call and concern reach the backend strictly in enqueue order, while
// different calls and concerns proceed independently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrQueueClosed = errors.New("dispatch: queue closed")

// Handler processes one job. Handlers own their error reporting; the queue
// moves on to the next job when the handler returns.
type Handler[J any] func(ctx context.Context, job J)

// Queue is a serialized FIFO job queue. The zero value is not usable; create
// one with [NewQueue]. All methods are safe for concurrent use.
type Queue[J any] struct {
	name   string
	handle Handler[J]
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     []J
	inflight bool
	running  bool
	closed   bool
	done     chan struct{} // closed when the current worker exits
}

// NewQueue creates an empty queue that passes jobs to h. name identifies the
// concern in logs.
func NewQueue[J any](name string, h Handler[J], log *slog.Logger) *Queue[J] {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[J]{
		name:   name,
		handle: h,
		log:    log.With("queue", name),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the queue's concern name.
func (q *Queue[J]) Name() string { return q.name }

// Enqueue appends job and starts a worker if none is draining.
func (q *Queue[J]) Enqueue(job J) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = true
		q.done = make(chan struct{})
		go q.drain(q.done)
	}
	return nil
}

// Pending returns the number of jobs not yet completed, including the one
// being handled.
func (q *Queue[J]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if q.inflight {
		n++
	}
	return n
}

func (q *Queue[J]) drain(done chan struct{}) {
	defer close(done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.inflight = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		var zero J
		q.jobs[0] = zero
		q.jobs = q.jobs[1:]
		q.inflight = true
		q.mu.Unlock()

		q.handle(q.ctx, job)
	}
}

// Flush blocks until every queued job has been handled or ctx is done.
func (q *Queue[J]) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return nil
		}
		done := q.done
		q.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("dispatch: flush %s: %w", q.name, ctx.Err())
		}
	}
}

// Close stops accepting jobs and waits for the backlog like [Queue.Flush].
// If ctx expires first, the in-flight job is cancelled and the remaining
// jobs are dropped with a log entry.
func (q *Queue[J]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.Flush(ctx)
	if err != nil {
		q.mu.Lock()
		dropped := len(q.jobs)
		q.jobs = nil
		q.mu.Unlock()
		q.log.Error("queue closed with pending jobs", "dropped", dropped, "err", err)
	}
	q.cancel()
	return err
}
