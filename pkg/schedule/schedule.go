// Package schedule enqueues operations into a SerialQueue on a cron schedule, e.g. periodic
// session keep-alives that must stay ordered with the user's own writes.
package schedule

import (
	"context"
	"sync"

	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/queue"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// Scheduler owns a cron runner feeding one queue.
type Scheduler struct {
	cron *cron.Cron
	q    *queue.SerialQueue

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New returns a scheduler for q. Specs accept an optional seconds field and descriptors
// such as "@every 1m".
func New(q *queue.SerialQueue) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		q:      q,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers op under name to be enqueued on every tick of spec. Each tick enqueues a new
// task with the given options and waits for it in the background; the outcome is logged.
func (s *Scheduler) Add(spec, name string, op tasks.Operation[any], opts ...queue.EnqueueOption) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}

		fut := queue.Enqueue(s.ctx, s.q, op, opts...)
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			if _, err := fut.Await(context.Background()); err != nil {
				logger.Log.Error().Err(err).Str("job", name).Str("spec", spec).Msg("Scheduled task failed")
				return
			}
			logger.Log.Info().Str("job", name).Str("spec", spec).Str("queue", s.q.Name()).Msg("Scheduled task completed")
		}()
	})
}

// Remove unregisters a job. Tasks it already enqueued are unaffected.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start starts the cron runner in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the runner, cancels the context of scheduled tasks that have not started
// and waits for the outstanding ones to settle.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.running.Wait()
}
