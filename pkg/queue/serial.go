// Package queue provides SerialQueue, an in-memory queue that executes asynchronous operations
// strictly one at a time in submission order, retrying a failing operation a bounded number
// of times before surfacing its last error.
//
// Guarantees:
//   - Task N+1 never starts before task N has settled, including all of its retries.
//   - Retries are immediate: no delay, no backoff, no classification of errors.
//   - One task's failure never halts the tasks queued behind it.
//
// There is no timeout: a hung operation blocks every task behind it. Operations receive
// the context passed to Enqueue and are expected to honour it.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
)

// DefaultRetries is the attempt bound used when neither the queue nor the call sets one.
const DefaultRetries = 3

// ErrQueueCleared is delivered to every task still pending when Clear is called.
var ErrQueueCleared = errors.New("queue cleared")

// Signer produces identity markers for a subject.
type Signer interface {
	Sign(subject string) string
}

// MetadataSource captures request provenance at call time.
type MetadataSource interface {
	Capture() tasks.Metadata
}

// Options configures a SerialQueue. The zero value is usable.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// Retries is the default attempt bound; values below 1 mean DefaultRetries.
	Retries int
	// Signer, when set, signs a marker for tasks enqueued WithSubject.
	Signer Signer
	// Metadata, when set, is captured before every attempt.
	Metadata MetadataSource
	// Observer receives attempt and settlement events.
	Observer tasks.Observer
}

// SerialQueue executes tasks one at a time in FIFO order.
type SerialQueue struct {
	name    string
	retries int
	signer  Signer
	meta    MetadataSource
	obs     tasks.Observer

	mu         sync.Mutex
	pending    []*job
	processing bool
}

type job struct {
	task tasks.Task
	// run executes every attempt and settles the caller's future.
	run func()
	// cancel settles the caller's future without running.
	cancel func(error)
}

// New creates a queue.
func New(opts Options) *SerialQueue {
	if opts.Retries < 1 {
		opts.Retries = DefaultRetries
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	opts.Observer = tasks.Safe(opts.Observer)
	return &SerialQueue{
		name:    opts.Name,
		retries: opts.Retries,
		signer:  opts.Signer,
		meta:    opts.Metadata,
		obs:     opts.Observer,
	}
}

// Name returns the queue's label.
func (q *SerialQueue) Name() string {
	return q.name
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	subject string
	retries int
}

// WithSubject signs every attempt of the task with a marker for subject.
func WithSubject(subject string) EnqueueOption {
	return func(c *enqueueConfig) { c.subject = subject }
}

// WithRetries overrides the queue's attempt bound for one task. Values below 1 mean 1.
func WithRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) { c.retries = n }
}

// Enqueue appends op to the queue and returns the handle its outcome is delivered on.
// op is invoked as op(ctx, marker, metadata) once the tasks ahead of it have settled.
//
// If ctx is done before an attempt starts, the task settles with ctx.Err() and is not
// attempted again.
func Enqueue[T any](ctx context.Context, q *SerialQueue, op tasks.Operation[T], opts ...EnqueueOption) *tasks.Future[T] {
	cfg := enqueueConfig{retries: q.retries}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.retries < 1 {
		cfg.retries = 1
	}

	fut := tasks.NewFuture[T]()
	j := &job{
		task: tasks.Task{
			ID:          uuid.NewString(),
			Kind:        tasks.KindSerial,
			Subject:     cfg.subject,
			MaxAttempts: cfg.retries,
			CreatedAt:   time.Now(),
		},
	}
	// Observers hear about a settlement before the caller does.
	j.run = func() {
		task, v, err := execute(ctx, q, j.task, op)
		q.obs.OnSettle(task, err)
		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(v)
	}
	j.cancel = func(err error) {
		q.obs.OnSettle(j.task, err)
		fut.Reject(err)
	}

	q.push(j)
	return fut
}

// execute runs the attempt loop for one task. It returns the task record of the last attempt.
func execute[T any](ctx context.Context, q *SerialQueue, task tasks.Task, op tasks.Operation[T]) (tasks.Task, T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= task.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return task, zero, cerr
		}
		task.Attempt = attempt

		marker := ""
		if task.Subject != "" && q.signer != nil {
			marker = q.signer.Sign(task.Subject)
		}
		var meta tasks.Metadata
		if q.meta != nil {
			meta = q.meta.Capture()
		}

		var v T
		v, err = tasks.Invoke(func() (T, error) { return op(ctx, marker, meta) })
		q.obs.OnAttempt(task, err)
		if err == nil {
			return task, v, nil
		}

		if attempt < task.MaxAttempts {
			logger.Log.Debug().
				Err(err).
				Str("queue", q.name).
				Str("task_id", task.ID).
				Int("attempt", attempt).
				Int("max_attempts", task.MaxAttempts).
				Msg("Attempt failed, retrying")
		}
	}
	return task, zero, err
}

// push appends j and starts a drain loop unless one is already running.
func (q *SerialQueue) push(j *job) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	go q.drain()
}

// drain consumes the head of the queue until it is empty. The processing flag is cleared
// under the same lock that observes emptiness, so a concurrent push either lands before the
// check and is drained here, or sees processing == false and starts a new loop.
func (q *SerialQueue) drain() {
	logger.Log.Debug().Str("queue", q.name).Msg("Drain started")
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			logger.Log.Debug().Str("queue", q.name).Msg("Drain finished")
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		j.run()
	}
}

// Clear rejects every task that has not started yet with ErrQueueCleared and returns how many
// were dropped. The task currently executing, if any, is unaffected.
func (q *SerialQueue) Clear() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, j := range dropped {
		j.cancel(ErrQueueCleared)
	}
	if len(dropped) > 0 {
		logger.Log.Debug().Str("queue", q.name).Int("dropped", len(dropped)).Msg("Queue cleared")
	}
	return len(dropped)
}

// Len returns the number of tasks waiting to start.
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a drain loop is running.
func (q *SerialQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}
