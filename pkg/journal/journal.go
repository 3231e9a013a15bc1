// Package journal provides a Redis-backed record of settled tasks.
// It keeps a short history of what the orchestration layer delivered to callers:
//   - completed: the last CompletedHistory successful settlements
//   - dead_letter: every task that exhausted its attempts (cancellations excluded)
//   - cancelled: the last CancelledHistory tasks dropped by Clear or by their context
//   - result:{id}: an optional result value with a 24-hour TTL
//
// A Journal is an Observer: attach it to a queue or batcher to record settlements
// automatically. It only reads and writes history; it never drives execution.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/reqflow/pkg/batch"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/queue"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// List names.
const (
	ListCompleted  = "completed"
	ListDeadLetter = "dead_letter"
	ListCancelled  = "cancelled"
)

const (
	CompletedHistory = 100
	CancelledHistory = 100
	ResultTTL        = 24 * time.Hour

	writeTimeout = 2 * time.Second
)

// Entry is one settled task as stored in Redis.
type Entry struct {
	Task      tasks.Task `json:"task"`
	Component string     `json:"component"`
	Error     string     `json:"error,omitempty"`
	SettledAt time.Time  `json:"settled_at"`
}

// Journal writes entries for one component into Redis lists sharing a key prefix.
type Journal struct {
	rdb       *redis.Client
	prefix    string
	component string
}

// NewClient connects to Redis at addr ("host:port").
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
	})
}

// New returns a journal for component. Keys are "journal:<list>" and "journal:result:<id>".
func New(rdb *redis.Client, component string) *Journal {
	return &Journal{rdb: rdb, prefix: "journal:", component: component}
}

func (j *Journal) key(list string) string {
	return j.prefix + list
}

// Record stores an entry in the list matching its outcome.
//
// completed and cancelled are trimmed to their history size (keep tail), the dead letter
// list is not trimmed.
func (j *Journal) Record(ctx context.Context, task tasks.Task, settleErr error) error {
	entry := Entry{
		Task:      task,
		Component: j.component,
		SettledAt: time.Now(),
	}
	list := ListCompleted
	if settleErr != nil {
		entry.Error = settleErr.Error()
		list = ListDeadLetter
		if cancelled(settleErr) {
			list = ListCancelled
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := j.rdb.TxPipeline()
	pipe.RPush(ctx, j.key(list), data)
	switch list {
	case ListCompleted:
		pipe.LTrim(ctx, j.key(list), -CompletedHistory, -1)
	case ListCancelled:
		pipe.LTrim(ctx, j.key(list), -CancelledHistory, -1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func cancelled(err error) bool {
	return errors.Is(err, queue.ErrQueueCleared) ||
		errors.Is(err, batch.ErrBatchCleared) ||
		errors.Is(err, context.Canceled)
}

// OnAttempt is a no-op: the journal records outcomes, not attempts.
func (j *Journal) OnAttempt(tasks.Task, error) {}

// OnDispatch is a no-op.
func (j *Journal) OnDispatch(string, int) {}

// OnSettle records the settlement. Write failures are logged, never surfaced to the task.
func (j *Journal) OnSettle(task tasks.Task, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if werr := j.Record(ctx, task, err); werr != nil {
		logger.Log.Error().Err(werr).Str("task_id", task.ID).Msg("Failed to journal settlement")
	}
}

// SetResult stores the result of a task as JSON under "result:{taskID}" with ResultTTL.
func (j *Journal) SetResult(ctx context.Context, taskID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return j.rdb.Set(ctx, j.key(fmt.Sprintf("result:%s", taskID)), data, ResultTTL).Err()
}

// GetResult returns the raw JSON result stored for taskID, or redis.Nil.
func (j *Journal) GetResult(ctx context.Context, taskID string) (string, error) {
	return j.rdb.Get(ctx, j.key(fmt.Sprintf("result:%s", taskID))).Result()
}

// Depths returns the length of every journal list. Lists that cannot be read are omitted.
func (j *Journal) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, list := range []string{ListCompleted, ListDeadLetter, ListCancelled} {
		if n, err := j.rdb.LLen(ctx, j.key(list)).Result(); err == nil {
			depths[list] = n
		}
	}
	return depths
}

// Inspect returns up to limit entries from the head of list without removing them.
// Malformed entries are skipped.
func (j *Journal) Inspect(ctx context.Context, list string, limit int64) ([]Entry, error) {
	switch list {
	case ListCompleted, ListDeadLetter, ListCancelled:
	default:
		return nil, fmt.Errorf("unknown journal list %q", list)
	}

	raw, err := j.rdb.LRange(ctx, j.key(list), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
