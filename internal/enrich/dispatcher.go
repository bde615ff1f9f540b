package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Default dispatcher configuration constants.
const (
	defaultConcurrencyLimit = 8
	shutdownPollInterval    = 10 * time.Millisecond
)

// Job is one schedulable unit of work.
type Job func(ctx context.Context) error

type task struct {
	ctx  context.Context
	run  Job
	done chan error
}

// Dispatcher bounds the number of concurrently executing jobs. Work beyond
// the limit queues FIFO; any completion, successful or not, pulls the next
// queued job. A failing job only ever affects its own waiter.
type Dispatcher struct {
	mu      sync.Mutex
	limit   int
	running int
	queue   []*task
	closed  bool

	logger logger.Logger
}

// DispatcherOption applies a configuration option to the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimit sets the concurrency ceiling.
func WithLimit(limit int) DispatcherOption {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.limit = limit
		}
	}
}

// WithDispatcherLogger sets a custom logger for the dispatcher.
func WithDispatcherLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher with configuration options.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		limit:  defaultConcurrencyLimit,
		logger: logger.Get().Named("dispatcher"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Schedule runs job now if a slot is free, otherwise queues it FIFO. The
// returned channel receives the job's result exactly once and is then
// closed; callers may ignore it.
func (d *Dispatcher) Schedule(ctx context.Context, job Job) (<-chan error, error) {
	t := &task{
		ctx:  ctx,
		run:  job,
		done: make(chan error, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	metrics.RecordJobScheduled()
	if d.running < d.limit {
		d.running++
		metrics.UpdateDispatcherRunning(d.running)
		d.mu.Unlock()
		go d.execute(t)
		return t.done, nil
	}
	d.queue = append(d.queue, t)
	metrics.UpdateDispatcherQueued(len(d.queue))
	d.mu.Unlock()
	return t.done, nil
}

// execute runs one task and then hands the slot to the next queued task.
func (d *Dispatcher) execute(t *task) {
	err := d.invoke(t)
	t.done <- err
	close(t.done)
	d.next()
}

// invoke isolates panics so a broken job cannot take the slot with it.
func (d *Dispatcher) invoke(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			d.logger.Error(t.ctx, "scheduled job panicked", logger.Any("panic", r))
		}
	}()
	return t.run(t.ctx)
}

// next transfers the finished task's slot to the head of the queue, or
// releases it when the queue is empty.
func (d *Dispatcher) next() {
	d.mu.Lock()
	if len(d.queue) > 0 {
		t := d.queue[0]
		d.queue = d.queue[1:]
		metrics.UpdateDispatcherQueued(len(d.queue))
		d.mu.Unlock()
		go d.execute(t)
		return
	}
	d.running--
	metrics.UpdateDispatcherRunning(d.running)
	d.mu.Unlock()
}

// Running returns the number of currently executing jobs.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Queued returns the number of jobs waiting for a slot.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Shutdown stops accepting new jobs and waits for running and queued work
// to drain, or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		idle := d.running == 0 && len(d.queue) == 0
		d.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			d.logger.Warn(ctx, "dispatcher shutdown timed out")
			return fmt.Errorf("shutdown timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
