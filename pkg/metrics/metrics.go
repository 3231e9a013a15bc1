// Package metrics exposes Prometheus instrumentation for the queue and the batcher.
// A Recorder is an Observer; one per component instance, labelled with its name.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/reqflow/pkg/batch"
	"github.com/guido-cesarano/reqflow/pkg/queue"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess   = "success"
	StatusRetry     = "retry"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	// attemptsTotal counts every invocation of an operation.
	// Labels:
	//   - component: queue or batcher name
	//   - kind: "serial" or "batch"
	//   - status: "success", "retry" (failed, another attempt follows) or "failed"
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_attempts_total",
		Help: "The total number of operation attempts",
	}, []string{"component", "kind", "status"})

	// settledTotal counts outcomes delivered to callers.
	settledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_settled_total",
		Help: "The total number of settled tasks",
	}, []string{"component", "kind", "status"})

	// taskDuration tracks the time from acceptance to settlement, queueing included.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqflow_task_duration_seconds",
		Help:    "Time from enqueue to settlement",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "kind"})

	// batchSize tracks how many requests each dispatch carried and what closed the window.
	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqflow_batch_size",
		Help:    "Number of requests per dispatched batch",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	}, []string{"component", "trigger"})

	// pending tracks work waiting to start, sampled by TrackDepth.
	pending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reqflow_pending",
		Help: "Number of tasks waiting to start",
	}, []string{"component"})
)

// Recorder records observer events under one component label.
type Recorder struct {
	component string
	now       func() time.Time
}

// NewRecorder returns a recorder for component.
func NewRecorder(component string) *Recorder {
	return &Recorder{component: component, now: time.Now}
}

func (r *Recorder) OnAttempt(task tasks.Task, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
		if task.Attempt < task.MaxAttempts {
			status = StatusRetry
		}
	}
	attemptsTotal.WithLabelValues(r.component, string(task.Kind), status).Inc()
}

func (r *Recorder) OnSettle(task tasks.Task, err error) {
	settledTotal.WithLabelValues(r.component, string(task.Kind), Classify(err)).Inc()
	taskDuration.WithLabelValues(r.component, string(task.Kind)).Observe(r.now().Sub(task.CreatedAt).Seconds())
}

func (r *Recorder) OnDispatch(trigger string, size int) {
	batchSize.WithLabelValues(r.component, trigger).Observe(float64(size))
}

// Classify maps a settlement error to a status label.
func Classify(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, queue.ErrQueueCleared),
		errors.Is(err, batch.ErrBatchCleared),
		errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// TrackDepth samples depth every interval into the pending gauge until ctx is cancelled.
func TrackDepth(ctx context.Context, component string, interval time.Duration, depth func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending.WithLabelValues(component).Set(float64(depth()))
		}
	}
}
