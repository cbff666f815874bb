package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

// MemQueue is an in-memory core.JobQueue for unit tests. It mirrors the
// Redis adapter's semantics (dedup on live ids, delayed promotion, remove
// refuses active) without a backend. Error fields simulate outages.
type MemQueue struct {
	mu     sync.Mutex
	queues map[string]map[string]*memJob
	seq    int64

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time

	// Error injection, applied before any state change.
	EnqueueErr error
	ClaimErr   error
	CountsErr  error
	PingErr    error
}

type memJob struct {
	handle  core.JobHandle
	backoff time.Duration
	readyAt time.Time
	order   int64
}

var _ core.JobQueue = (*MemQueue)(nil)

// NewMemQueue creates an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{queues: make(map[string]map[string]*memJob)}
}

func (m *MemQueue) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemQueue) queue(name string) map[string]*memJob {
	q, ok := m.queues[name]
	if !ok {
		q = make(map[string]*memJob)
		m.queues[name] = q
	}
	return q
}

// Enqueue inserts a job, deduplicating against live entries.
func (m *MemQueue) Enqueue(_ context.Context, queue string, params core.EnqueueParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnqueueErr != nil {
		return false, m.EnqueueErr
	}
	if params.JobID == "" || params.Type == "" {
		return false, apperrors.Validation("job id and type are required")
	}

	q := m.queue(queue)
	if existing, ok := q[params.JobID]; ok && existing.handle.State.Live() {
		return false, nil
	}

	maxAttempts := params.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	m.seq++
	job := &memJob{
		handle: core.JobHandle{
			ID:          params.JobID,
			Type:        params.Type,
			Payload:     params.Payload,
			Priority:    params.Priority,
			State:       core.JobStateWaiting,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  m.now(),
		},
		backoff: params.Retry.Backoff,
		order:   m.seq,
	}
	if params.Delay > 0 {
		job.handle.State = core.JobStateDelayed
		job.readyAt = m.now().Add(params.Delay)
	}
	q[params.JobID] = job
	return true, nil
}

// Job returns a snapshot of the entry, or nil when none exists.
func (m *MemQueue) Job(_ context.Context, queue, id string) (*core.JobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok {
		return nil, nil
	}
	cp := job.handle
	return &cp, nil
}

// State returns the entry's state, or core.JobStateUnknown when absent.
func (m *MemQueue) State(_ context.Context, queue, id string) (core.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok {
		return core.JobStateUnknown, nil
	}
	return job.handle.State, nil
}

// Remove deletes a waiting or delayed entry; active entries are refused.
func (m *MemQueue) Remove(_ context.Context, queue, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok {
		return false, nil
	}
	switch job.handle.State {
	case core.JobStateWaiting, core.JobStateDelayed:
		job.handle.State = core.JobStateRemoved
		return true, nil
	default:
		return false, nil
	}
}

// Counts returns per-state entry counts.
func (m *MemQueue) Counts(_ context.Context, queue string) (core.StateCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CountsErr != nil {
		return core.StateCounts{}, m.CountsErr
	}

	var counts core.StateCounts
	for _, job := range m.queue(queue) {
		switch job.handle.State {
		case core.JobStateWaiting:
			counts.Waiting++
		case core.JobStateActive:
			counts.Active++
		case core.JobStateDelayed:
			counts.Delayed++
		case core.JobStateCompleted:
			counts.Completed++
		case core.JobStateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// WorkerCount always reports one worker; unit tests do not model heartbeats.
func (m *MemQueue) WorkerCount(context.Context, string) (int, error) {
	return 1, nil
}

// Claim pops the best waiting entry into active, promoting due delayed
// entries first.
func (m *MemQueue) Claim(_ context.Context, queue string) (*core.JobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}

	q := m.queue(queue)
	now := m.now()
	for _, job := range q {
		if job.handle.State == core.JobStateDelayed && !job.readyAt.After(now) {
			job.handle.State = core.JobStateWaiting
		}
	}

	var waiting []*memJob
	for _, job := range q {
		if job.handle.State == core.JobStateWaiting {
			waiting = append(waiting, job)
		}
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].handle.Priority != waiting[j].handle.Priority {
			return waiting[i].handle.Priority > waiting[j].handle.Priority
		}
		return waiting[i].order < waiting[j].order
	})

	job := waiting[0]
	job.handle.State = core.JobStateActive
	cp := job.handle
	return &cp, nil
}

// Complete transitions an active entry to completed.
func (m *MemQueue) Complete(_ context.Context, queue, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok || job.handle.State != core.JobStateActive {
		return false, nil
	}
	job.handle.State = core.JobStateCompleted
	return true, nil
}

// Fail records a failure, re-delaying while attempts remain.
func (m *MemQueue) Fail(_ context.Context, queue, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok || job.handle.State != core.JobStateActive {
		return false, nil
	}
	job.handle.Attempts++
	job.handle.LastError = reason
	if job.handle.Attempts < job.handle.MaxAttempts {
		delay := job.backoff
		for i := 1; i < job.handle.Attempts; i++ {
			delay *= 2
		}
		job.handle.State = core.JobStateDelayed
		job.readyAt = m.now().Add(delay)
		return true, nil
	}
	job.handle.State = core.JobStateFailed
	return false, nil
}

// MarkFailed forces a live entry into the failed terminal state.
func (m *MemQueue) MarkFailed(_ context.Context, queue, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.queue(queue)[id]
	if !ok || job.handle.State.Terminal() {
		return false, nil
	}
	job.handle.State = core.JobStateFailed
	job.handle.LastError = reason
	return true, nil
}

// RetryFailed requeues every failed entry with attempts reset.
func (m *MemQueue) RetryFailed(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, job := range m.queue(queue) {
		if job.handle.State != core.JobStateFailed {
			continue
		}
		job.handle.State = core.JobStateWaiting
		job.handle.Attempts = 0
		job.handle.LastError = ""
		m.seq++
		job.order = m.seq
		requeued++
	}
	return requeued, nil
}

// RegisterWorker is a no-op in the in-memory queue.
func (m *MemQueue) RegisterWorker(context.Context, string, string) error { return nil }

// Heartbeat is a no-op in the in-memory queue.
func (m *MemQueue) Heartbeat(context.Context, string, string) error { return nil }

// DeregisterWorker is a no-op in the in-memory queue.
func (m *MemQueue) DeregisterWorker(context.Context, string, string) error { return nil }

// Ping returns the injected error, if any.
func (m *MemQueue) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// MemBus is an in-memory core.CancelBus. Publishes invoke subscribed
// handlers synchronously and are recorded for assertions.
type MemBus struct {
	mu       sync.Mutex
	handlers []func(string)
	history  []string

	// PublishErr is returned from Publish when set.
	PublishErr error
}

var _ core.CancelBus = (*MemBus)(nil)

// NewMemBus creates an empty in-memory cancel bus.
func NewMemBus() *MemBus {
	return &MemBus{}
}

// Publish records the scan id and invokes every subscribed handler.
func (b *MemBus) Publish(_ context.Context, scanID string) error {
	b.mu.Lock()
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return err
	}
	b.history = append(b.history, scanID)
	handlers := make([]func(string), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(scanID)
	}
	return nil
}

// Subscribe registers a handler; stop is a no-op.
func (b *MemBus) Subscribe(_ context.Context, handler func(scanID string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return func() {}, nil
}

// Published returns the scan ids published so far.
func (b *MemBus) Published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}
