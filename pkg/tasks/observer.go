package tasks

import (
	"runtime/debug"

	"github.com/guido-cesarano/reqflow/pkg/logger"
)

// Dispatch triggers reported by the batcher.
const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
	TriggerFlush = "flush"
)

// Observer receives lifecycle events from the queue and the batcher.
// Implementations must be safe for concurrent use and must not block for long:
// events are delivered on the goroutine executing the task. The queue and the batcher wrap
// observers with Safe, so a panicking callback is logged and the task still settles.
type Observer interface {
	// OnAttempt is called after every attempt with its error (nil on success).
	OnAttempt(task Task, err error)
	// OnSettle is called once per task with the error its caller receives.
	OnSettle(task Task, err error)
	// OnDispatch is called when the batcher sends a batch of size requests.
	OnDispatch(trigger string, size int)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnAttempt(Task, error) {}
func (NopObserver) OnSettle(Task, error) {}
func (NopObserver) OnDispatch(string, int) {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	m := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return NopObserver{}
	case 1:
		return m[0]
	}
	return m
}

func (m multiObserver) OnAttempt(task Task, err error) {
	for _, o := range m {
		o.OnAttempt(task, err)
	}
}

func (m multiObserver) OnSettle(task Task, err error) {
	for _, o := range m {
		o.OnSettle(task, err)
	}
}

func (m multiObserver) OnDispatch(trigger string, size int) {
	for _, o := range m {
		o.OnDispatch(trigger, size)
	}
}

// Safe wraps o so that a panic in any callback is recovered and logged.
func Safe(o Observer) Observer {
	switch o.(type) {
	case nil:
		return NopObserver{}
	case NopObserver, safeObserver:
		return o
	}
	return safeObserver{next: o}
}

type safeObserver struct {
	next Observer
}

func (s safeObserver) OnAttempt(task Task, err error) {
	defer recoverObserver("attempt", task.ID)
	s.next.OnAttempt(task, err)
}

func (s safeObserver) OnSettle(task Task, err error) {
	defer recoverObserver("settle", task.ID)
	s.next.OnSettle(task, err)
}

func (s safeObserver) OnDispatch(trigger string, size int) {
	defer recoverObserver("dispatch", "")
	s.next.OnDispatch(trigger, size)
}

func recoverObserver(event, taskID string) {
	if r := recover(); r != nil {
		logger.Log.Error().
			Interface("panic", r).
			Str("event", event).
			Str("task_id", taskID).
			Bytes("stack", debug.Stack()).
			Msg("Recovered observer panic")
	}
}
