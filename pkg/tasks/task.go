// Package tasks defines the core data structures shared by the request orchestration components.
// A task is a deferred operation handed to either the serial queue or the batcher, together with
// the handle its caller awaits for the outcome.
package tasks

import (
	"context"
	"time"
)

// Kind names the component that owns a task.
type Kind string

const (
	KindSerial Kind = "serial"
	KindBatch  Kind = "batch"
)

// Task describes a unit of work for observers, logs and the outcome journal.
// It carries no behaviour; the owning component keeps the operation itself.
type Task struct {
	// ID is a unique identifier for the task (UUID). It has no ordering semantics.
	ID string `json:"id"`

	// Kind is the component that accepted the task.
	Kind Kind `json:"kind"`

	// Subject is the identity the task is signed for, empty when unsigned.
	Subject string `json:"subject,omitempty"`

	// Attempt is the 1-based number of the attempt this record refers to.
	Attempt int `json:"attempt"`

	// MaxAttempts is the retry bound the task was enqueued with.
	// Batched tasks are attempted exactly once.
	MaxAttempts int `json:"max_attempts"`

	// CreatedAt is the timestamp when the task was accepted.
	CreatedAt time.Time `json:"created_at"`
}

// Metadata is the request provenance attached to every serial invocation.
type Metadata map[string]string

// Operation is the unit of work accepted by the serial queue. The marker is empty when the
// task was not enqueued for a subject; meta is nil when no metadata source is configured.
type Operation[T any] func(ctx context.Context, marker string, meta Metadata) (T, error)

// Call is the unit of work accepted by the batcher.
type Call[T any] func(ctx context.Context) (T, error)
