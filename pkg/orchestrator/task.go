package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Priority orders task processing. Workers drain higher priorities first.
type Priority string

// Task priorities and their AMQP priority weights.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityOrder lists priorities from most to least urgent; this is also the
// worker's drain order.
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

var priorityWeight = map[Priority]uint8{
	PriorityCritical: 10,
	PriorityHigh:     7,
	PriorityNormal:   5,
	PriorityLow:      2,
}

// TaskStatus is the leader-observable lifecycle state of a task: dispatched
// on assignment, then completed or failed when the result arrives.
// Intermediate worker-side states travel on the status topic
// (agent.status.task.*) rather than the task table.
type TaskStatus string

// Task states.
const (
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of work assigned by a leader.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    Priority
	// Payload is opaque to the engine.
	Payload json.RawMessage
	// MaxRetries overrides the engine default when > 0.
	MaxRetries int
	// Deadline bounds handler execution when set.
	Deadline   time.Duration
	AssignedBy string
	CreatedAt  time.Time
}

// Result is the outcome a worker produced for a task.
type Result struct {
	TaskID     string
	ProducerID string
	Status     string // "completed" or "failed"
	Output     json.RawMessage
	Error      string
	Duration   time.Duration
	ProducedAt time.Time
}

// Result statuses.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// TaskHandler executes one task. Returning nil acknowledges the task and
// publishes a completed result with the returned output. Errors wrapped
// with Transient are retried with backoff until the retry budget is spent;
// errors wrapped with Permanent go straight to the dead-letter queue.
// Unwrapped errors are treated as transient.
type TaskHandler func(ctx context.Context, t Task) (json.RawMessage, error)

type classifiedError struct {
	err       error
	transient bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks a handler error as retryable (network, timeout, resource
// exhaustion).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: true}
}

// Permanent marks a handler error as non-retryable (validation,
// authorization, business rejection).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: false}
}

// IsPermanent reports whether err was classified permanent. Everything else,
// including context deadline expiry, counts as transient.
func IsPermanent(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return !ce.transient
	}
	return false
}
