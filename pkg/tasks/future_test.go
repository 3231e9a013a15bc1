package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureSettlesOnce(t *testing.T) {
	f := NewFuture[int]()
	if _, ok := f.Result(); ok {
		t.Fatal("Expected unsettled future")
	}

	if !f.Resolve(1) {
		t.Error("Expected first Resolve to settle")
	}
	if f.Reject(errors.New("late")) {
		t.Error("Expected Reject after Resolve to be ignored")
	}
	if f.Resolve(2) {
		t.Error("Expected second Resolve to be ignored")
	}

	v, err := f.Await(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Expected 1, got %d (%v)", v, err)
	}
	res, ok := f.Result()
	if !ok || res.Value != 1 || res.Err != nil {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestFutureAwaitContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	f.Reject(errors.New("failed"))
	select {
	case <-f.Done():
	default:
		t.Error("Expected Done to be closed after Reject")
	}
	if _, err := f.Await(context.Background()); err == nil || err.Error() != "failed" {
		t.Errorf("Expected failed, got %v", err)
	}
}

func TestInvokeRecoversPanic(t *testing.T) {
	v, err := Invoke(func() (int, error) { panic("boom") })
	if !errors.Is(err, ErrPanicked) {
		t.Errorf("Expected ErrPanicked, got %v", err)
	}
	if v != 0 {
		t.Errorf("Expected zero value, got %d", v)
	}

	v, err = Invoke(func() (int, error) { return 5, nil })
	if err != nil || v != 5 {
		t.Errorf("Expected 5, got %d (%v)", v, err)
	}
}

type countingObserver struct {
	attempts, settles, dispatches int
}

func (c *countingObserver) OnAttempt(Task, error) { c.attempts++ }
func (c *countingObserver) OnSettle(Task, error) { c.settles++ }
func (c *countingObserver) OnDispatch(string, int) { c.dispatches++ }

func TestObserversFanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	obs := Observers(a, nil, b)

	obs.OnAttempt(Task{}, nil)
	obs.OnSettle(Task{}, nil)
	obs.OnDispatch(TriggerSize, 3)

	for i, c := range []*countingObserver{a, b} {
		if c.attempts != 1 || c.settles != 1 || c.dispatches != 1 {
			t.Errorf("Observer %d: unexpected counts %+v", i, *c)
		}
	}

	if _, ok := Observers().(NopObserver); !ok {
		t.Error("Expected NopObserver for no observers")
	}
	if Observers(nil, a) != Observer(a) {
		t.Error("Expected a single observer to be returned as is")
	}
}

type panickingObserver struct{}

func (panickingObserver) OnAttempt(Task, error) { panic("attempt") }
func (panickingObserver) OnSettle(Task, error) { panic("settle") }
func (panickingObserver) OnDispatch(string, int) { panic("dispatch") }

func TestSafeRecoversObserverPanics(t *testing.T) {
	obs := Safe(panickingObserver{})

	obs.OnAttempt(Task{ID: "t1"}, nil)
	obs.OnSettle(Task{ID: "t1"}, errors.New("failed"))
	obs.OnDispatch(TriggerTimer, 2)

	if _, ok := Safe(nil).(NopObserver); !ok {
		t.Error("Expected NopObserver for nil")
	}
	if Safe(obs) != obs {
		t.Error("Expected an already wrapped observer to be returned as is")
	}
}
