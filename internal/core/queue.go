// Package core defines the ports and policy types for the threatdiviner
// scan scheduling and dispatch core.
package core

import (
	"context"
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a queue entry.
//
// State machine: waiting -> active -> {completed | failed}, with
// waiting -> delayed -> waiting for time-deferred jobs and
// {waiting, delayed} -> removed on cancel-before-start. There is no
// active -> removed transition; active jobs are cancelled via signal.
type JobState string

const (
	// JobStateUnknown means no entry exists for the id.
	JobStateUnknown JobState = ""
	// JobStateWaiting means the entry is eligible for a worker to claim.
	JobStateWaiting JobState = "waiting"
	// JobStateActive means a worker is executing the entry.
	JobStateActive JobState = "active"
	// JobStateDelayed means the entry becomes waiting at its ready time.
	JobStateDelayed JobState = "delayed"
	// JobStateCompleted means the entry finished successfully.
	JobStateCompleted JobState = "completed"
	// JobStateFailed means the entry exhausted its attempts or was cancelled.
	JobStateFailed JobState = "failed"
	// JobStateRemoved means the entry was removed before a worker claimed it.
	JobStateRemoved JobState = "removed"
)

// Live reports whether the state still occupies the queue (dedup applies).
func (s JobState) Live() bool {
	return s == JobStateWaiting || s == JobStateActive || s == JobStateDelayed
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateRemoved
}

// RetryPolicy bounds how often a failed job is retried and how the re-delay
// grows. Backoff doubles per attempt (exponential).
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// EnqueueParams describes one job insertion.
type EnqueueParams struct {
	// JobID is the caller-supplied dedup id. A live entry with the same id
	// makes Enqueue a successful no-op.
	JobID    string
	Type     string
	Payload  json.RawMessage
	Priority int
	// Delay defers the entry (delayed state) until now+Delay.
	Delay time.Duration
	Retry RetryPolicy
}

// JobHandle is a snapshot of a queue entry.
type JobHandle struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// StateCounts holds per-state entry counts for one queue.
type StateCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// QueueHealth is the liveness view of the queue backend. Lookup failures are
// reported as Connected=false with zero counts, never as an error.
type QueueHealth struct {
	Connected bool           `json:"connected"`
	Workers   map[string]int `json:"workers"`
}

// JobQueue is a durable, named FIFO-with-priority queue keyed by job id.
// Entries deduplicate on id, support delayed scheduling and state inspection,
// and may be removed while not yet active. Backend unavailability surfaces as
// a queue_unavailable error from every operation.
type JobQueue interface {
	// Enqueue inserts a job. created=false means a live entry with the same
	// id already existed and the call was a no-op; this is not an error.
	Enqueue(ctx context.Context, queue string, params EnqueueParams) (created bool, err error)

	// Job returns a snapshot of the entry, or nil when none exists.
	Job(ctx context.Context, queue, id string) (*JobHandle, error)

	// State returns the entry's state, or JobStateUnknown when none exists.
	State(ctx context.Context, queue, id string) (JobState, error)

	// Remove deletes a waiting or delayed entry. Active entries are refused
	// (false, nil); callers must check state first and cancel via signal.
	Remove(ctx context.Context, queue, id string) (bool, error)

	// Counts returns per-state entry counts for observability.
	Counts(ctx context.Context, queue string) (StateCounts, error)

	// WorkerCount returns the number of live consumers registered on the
	// queue, distinguishing "no consumers" from "queue is empty".
	WorkerCount(ctx context.Context, queue string) (int, error)

	// Claim pops the highest-priority waiting entry into the active state,
	// promoting due delayed entries first. Returns nil when the queue is
	// empty.
	Claim(ctx context.Context, queue string) (*JobHandle, error)

	// Complete transitions an active entry to completed.
	Complete(ctx context.Context, queue, id string) (bool, error)

	// Fail records a failure on an active entry. If attempts remain under
	// the entry's retry policy the entry is re-delayed with exponential
	// backoff and retried=true; otherwise it lands in failed.
	Fail(ctx context.Context, queue, id, reason string) (retried bool, err error)

	// MarkFailed forces an entry to the failed terminal state regardless of
	// its attempts. Used by the cancel path so queue-side observers see a
	// terminal state while a worker may still be mid-execution.
	MarkFailed(ctx context.Context, queue, id, reason string) (bool, error)

	// RetryFailed re-enqueues every failed entry, best-effort per job, and
	// returns how many were requeued.
	RetryFailed(ctx context.Context, queue string) (int, error)

	// RegisterWorker records a live consumer; Heartbeat refreshes it and
	// DeregisterWorker removes it.
	RegisterWorker(ctx context.Context, queue, workerID string) error
	Heartbeat(ctx context.Context, queue, workerID string) error
	DeregisterWorker(ctx context.Context, queue, workerID string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
}

// CancelBus broadcasts "cancel scan X" signals to whichever worker currently
// holds the job, independent of queue state. Delivery is best-effort,
// at-most-once per publish; consumers must treat duplicates as idempotent.
type CancelBus interface {
	Publish(ctx context.Context, scanID string) error
	// Subscribe invokes handler for every received scan id until stop is
	// called or ctx is cancelled.
	Subscribe(ctx context.Context, handler func(scanID string)) (stop func(), err error)
}
