// Package pool provides a fixed-degree goroutine pool for controlled
// concurrency. The engine uses it to bound how many segment generations run
// at once.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("pool is closed")

// Task represents a unit of work.
type Task func(ctx context.Context) error

// MaxWorkers caps the configurable degree; DefaultWorkers is used when the
// requested degree is zero.
const (
	MaxWorkers     = 5
	DefaultWorkers = 3
)

// ClampWorkers normalizes a requested degree into [1, MaxWorkers].
func ClampWorkers(n int) int {
	if n == 0 {
		return DefaultWorkers
	}
	if n < 1 {
		return 1
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// Pool runs tasks on a fixed set of workers. Submit blocks while all
// workers are busy and the queue is full, which is exactly the backpressure
// the segment coordinator wants.
type Pool struct {
	tasks  chan taskWrapper
	wg     sync.WaitGroup
	closed atomic.Bool

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	panicHandler func(any)
}

// New creates a pool with the given degree and starts its workers. The
// degree is clamped into [1, MaxWorkers].
func New(workers int, panicHandler func(any)) *Pool {
	workers = ClampWorkers(workers)
	p := &Pool{
		tasks:        make(chan taskWrapper, workers),
		panicHandler: panicHandler,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a task, blocking until a worker can take it or the context
// is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- taskWrapper{task: task, ctx: ctx}:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAndWait stops accepting tasks and waits for queued work to drain.
func (p *Pool) CloseAndWait() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for wrapper := range p.tasks {
		if err := p.execute(wrapper); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *Pool) execute(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return wrapper.task(wrapper.ctx)
}

// Stats reports pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
