// Package batch provides Batcher, which collects asynchronous calls from concurrent callers
// until either MaxBatchSize calls are pending or Delay has elapsed since the first of them
// arrived, then runs the collected calls concurrently. Every caller gets its own outcome:
// one call failing never affects its siblings.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
)

const (
	DefaultDelay        = 100 * time.Millisecond
	DefaultMaxBatchSize = 10
)

// ErrBatchCleared is delivered to every request still waiting for dispatch when Clear is called.
var ErrBatchCleared = errors.New("batch cleared")

// Options configures a Batcher. Zero values take the defaults.
type Options struct {
	Name         string
	Delay        time.Duration
	MaxBatchSize int
	Observer     tasks.Observer
}

// Batcher accumulates requests into windows. A window closes when it reaches MaxBatchSize,
// when Delay elapses after its first request, or on Flush.
type Batcher struct {
	name    string
	delay   time.Duration
	maxSize int
	obs     tasks.Observer

	mu      sync.Mutex
	pending []*request
	timer   *time.Timer
	// cycle identifies the open window. A timer armed for an older window is stale.
	cycle uint64
}

type request struct {
	task   tasks.Task
	run    func() error
	cancel func(error)
}

// New creates a batcher.
func New(opts Options) *Batcher {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	opts.Observer = tasks.Safe(opts.Observer)
	return &Batcher{
		name:    opts.Name,
		delay:   opts.Delay,
		maxSize: opts.MaxBatchSize,
		obs:     opts.Observer,
	}
}

// Add places call in the open window and returns the handle its own outcome is delivered on.
// The call runs on its own goroutine with ctx once the window is dispatched.
func Add[T any](ctx context.Context, b *Batcher, call tasks.Call[T]) *tasks.Future[T] {
	fut := tasks.NewFuture[T]()
	r := &request{
		task: tasks.Task{
			ID:          uuid.NewString(),
			Kind:        tasks.KindBatch,
			Attempt:     1,
			MaxAttempts: 1,
			CreatedAt:   time.Now(),
		},
	}
	r.run = func() error {
		v, err := tasks.Invoke(func() (T, error) { return call(ctx) })
		b.obs.OnAttempt(r.task, err)
		b.obs.OnSettle(r.task, err)
		if err != nil {
			fut.Reject(err)
			return err
		}
		fut.Resolve(v)
		return nil
	}
	r.cancel = func(err error) {
		b.obs.OnSettle(r.task, err)
		fut.Reject(err)
	}

	b.add(r)
	return fut
}

func (b *Batcher) add(r *request) {
	b.mu.Lock()
	b.pending = append(b.pending, r)

	if len(b.pending) >= b.maxSize {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.dispatch(batch, tasks.TriggerSize)
		return
	}

	if b.timer == nil {
		cycle := b.cycle
		b.timer = time.AfterFunc(b.delay, func() { b.fire(cycle) })
	}
	b.mu.Unlock()
}

// fire is the timer callback for window cycle. If that window was already taken by a size
// trigger, Flush or Clear, the requests now pending belong to a newer window and stay put.
func (b *Batcher) fire(cycle uint64) {
	b.mu.Lock()
	if cycle != b.cycle {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	b.dispatch(batch, tasks.TriggerTimer)
}

// takeLocked closes the open window: it stops the timer, advances the cycle and swaps the
// pending list for an empty one. Callers hold b.mu.
func (b *Batcher) takeLocked() []*request {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.cycle++
	batch := b.pending
	b.pending = nil
	return batch
}

// dispatch runs every request of batch concurrently and returns without waiting for them.
func (b *Batcher) dispatch(batch []*request, trigger string) {
	if len(batch) == 0 {
		return
	}
	b.obs.OnDispatch(trigger, len(batch))
	logger.Log.Debug().
		Str("batcher", b.name).
		Str("trigger", trigger).
		Int("size", len(batch)).
		Msg("Dispatching batch")

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	wg.Add(len(batch))
	for _, r := range batch {
		go func() {
			defer wg.Done()
			if err := r.run(); err != nil {
				failed.Add(1)
			}
		}()
	}

	go func() {
		wg.Wait()
		logger.Log.Debug().
			Str("batcher", b.name).
			Int("size", len(batch)).
			Int64("failed", failed.Load()).
			Msg("Batch settled")
	}()
}

// Flush dispatches the open window now. It does nothing when no request is pending.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	b.dispatch(batch, tasks.TriggerFlush)
}

// Clear cancels the timer and rejects every request not yet dispatched with ErrBatchCleared.
// Batches already dispatched are unaffected. It returns the number of rejected requests.
func (b *Batcher) Clear() int {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	for _, r := range batch {
		r.cancel(ErrBatchCleared)
	}
	if len(batch) > 0 {
		logger.Log.Debug().Str("batcher", b.name).Int("dropped", len(batch)).Msg("Batch cleared")
	}
	return len(batch)
}

// Size returns the number of requests waiting for dispatch.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Name returns the batcher's label.
func (b *Batcher) Name() string {
	return b.name
}
