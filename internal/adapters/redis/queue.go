// Package redis provides the Redis-backed job queue and cancellation bus for
// the threatdiviner dispatch pipeline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

const (
	// terminalTTL bounds how long completed/failed/removed job hashes stay
	// around for inspection before Redis expires them.
	terminalTTL = 24 * time.Hour

	// workerTTL is how stale a heartbeat may be before the worker no longer
	// counts as live.
	workerTTL = 30 * time.Second

	// maxPriority caps job priority; higher values claim first.
	maxPriority = 100
)

// Queue implements core.JobQueue on Redis. Each named queue is a small key
// family under one prefix:
//
//	{p:q}:job:{id}   hash with the job fields and state
//	{p:q}:waiting    zset ordered by (priority desc, insertion order)
//	{p:q}:delayed    zset scored by ready time in unix millis
//	{p:q}:active     set of claimed ids
//	{p:q}:failed     set of terminally failed ids
//	{p:q}:completed  counter of completions
//	{p:q}:workers    hash of worker id to last heartbeat
//
// All multi-key transitions run as Lua scripts so states never tear under
// concurrent producers and consumers. The braces are a cluster hash tag:
// every key of one queue, including job hashes the claim script addresses
// through its prefix argument, hashes to the same slot, so the scripts also
// run under a cluster client.
type Queue struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ core.JobQueue = (*Queue)(nil)

// QueueOptions configures a Queue.
type QueueOptions struct {
	Client redis.UniversalClient
	// Prefix namespaces every key; defaults to "td".
	Prefix string
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewQueue builds a Redis-backed job queue.
func NewQueue(opts QueueOptions) *Queue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "td"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{client: opts.Client, prefix: prefix, logger: logger, now: now}
}

type queueKeys struct {
	jobPrefix string
	waiting   string
	delayed   string
	active    string
	failed    string
	completed string
	workers   string
	seq       string
}

func (q *Queue) keys(queue string) queueKeys {
	// Hash-tagged so the whole family shares one cluster slot.
	base := "{" + q.prefix + ":" + queue + "}"
	return queueKeys{
		jobPrefix: base + ":job:",
		waiting:   base + ":waiting",
		delayed:   base + ":delayed",
		active:    base + ":active",
		failed:    base + ":failed",
		completed: base + ":completed",
		workers:   base + ":workers",
		seq:       base + ":seq",
	}
}

// enqueueScript inserts a job unless a live entry with the same id exists.
// Terminal leftovers under the id are replaced. Returns 1 when inserted,
// 0 when deduplicated.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' or state == 'delayed' then
  return 0
end
if state then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[5], ARGV[1])
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'attempts', 0, 'max_attempts', ARGV[5], 'backoff_ms', ARGV[6],
  'enqueued_at', ARGV[7], 'last_error', '')
if tonumber(ARGV[8]) > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[6])
  local score = (100 - tonumber(ARGV[4])) * 1e12 + seq
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], score, ARGV[1])
end
return 1
`)

// claimScript promotes due delayed entries, then pops the best waiting entry
// into the active set. Returns the claimed job hash or false when empty.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local priority = tonumber(redis.call('HGET', ARGV[2]..id, 'priority')) or 0
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[1], (100 - priority) * 1e12 + seq, id)
  redis.call('HSET', ARGV[2]..id, 'state', 'waiting')
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('SADD', KEYS[3], id)
redis.call('HSET', ARGV[2]..id, 'state', 'active')
return redis.call('HGETALL', ARGV[2]..id)
`)

// removeScript removes a waiting or delayed entry. Returns 1 removed,
// 0 absent-or-terminal, -1 refused because the entry is active.
var removeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 0
end
if state == 'active' then
  return -1
end
if state == 'waiting' then
  redis.call('ZREM', KEYS[2], ARGV[1])
elseif state == 'delayed' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'removed')
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// completeScript finishes an active entry. Returns 1 on transition, 0 when
// the entry was not active.
var completeScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed')
redis.call('INCR', KEYS[3])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// failScript records a failure on an active entry. Re-delays with exponential
// backoff while attempts remain (returns 1), otherwise lands the entry in the
// failed set (returns 0). Returns -1 when the entry was not active.
var failScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return -1
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'last_error', ARGV[2])
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts')) or 0
if attempts < max then
  local backoff = tonumber(redis.call('HGET', KEYS[1], 'backoff_ms')) or 0
  local delay = backoff * 2 ^ (attempts - 1)
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[3]) + delay, ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed')
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 0
`)

// markFailedScript forces any live entry into the failed terminal state.
// Returns 1 on transition, 0 when absent or already terminal.
var markFailedScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'completed' or state == 'failed' or state == 'removed' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[2])
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// retryOneScript moves one failed entry back to waiting with attempts reset.
// Returns 1 on requeue, 0 when the entry is gone or not failed.
var retryOneScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', 0, 'last_error', '')
redis.call('PERSIST', KEYS[1])
local priority = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
local seq = redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[3], (100 - priority) * 1e12 + seq, ARGV[1])
return 1
`)

// Enqueue inserts a job, deduplicating against live entries with the same id.
func (q *Queue) Enqueue(ctx context.Context, queue string, params core.EnqueueParams) (bool, error) {
	if params.JobID == "" {
		return false, apperrors.ValidationField("job_id", "job id is required")
	}
	if params.Type == "" {
		return false, apperrors.ValidationField("type", "job type is required")
	}

	priority := params.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}

	maxAttempts := params.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := q.now()
	var readyAt int64
	if params.Delay > 0 {
		readyAt = now.Add(params.Delay).UnixMilli()
	}

	k := q.keys(queue)
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{k.jobPrefix + params.JobID, k.waiting, k.delayed, k.active, k.failed, k.seq},
		params.JobID,
		params.Type,
		string(params.Payload),
		priority,
		maxAttempts,
		params.Retry.Backoff.Milliseconds(),
		now.UnixMilli(),
		readyAt,
	).Int()
	if err != nil {
		return false, queueErr("enqueue", err)
	}
	return res == 1, nil
}

// Job returns a snapshot of the entry, or nil when none exists.
func (q *Queue) Job(ctx context.Context, queue, id string) (*core.JobHandle, error) {
	fields, err := q.client.HGetAll(ctx, q.keys(queue).jobPrefix+id).Result()
	if err != nil {
		return nil, queueErr("job lookup", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromFields(fields), nil
}

// State returns the entry's state, or core.JobStateUnknown when absent.
func (q *Queue) State(ctx context.Context, queue, id string) (core.JobState, error) {
	state, err := q.client.HGet(ctx, q.keys(queue).jobPrefix+id, "state").Result()
	if errors.Is(err, redis.Nil) {
		return core.JobStateUnknown, nil
	}
	if err != nil {
		return core.JobStateUnknown, queueErr("state lookup", err)
	}
	return core.JobState(state), nil
}

// Remove deletes a waiting or delayed entry; active entries are refused.
func (q *Queue) Remove(ctx context.Context, queue, id string) (bool, error) {
	k := q.keys(queue)
	res, err := removeScript.Run(ctx, q.client,
		[]string{k.jobPrefix + id, k.waiting, k.delayed},
		id, int(terminalTTL.Seconds()),
	).Int()
	if err != nil {
		return false, queueErr("remove", err)
	}
	return res == 1, nil
}

// Counts returns per-state entry counts.
func (q *Queue) Counts(ctx context.Context, queue string) (core.StateCounts, error) {
	k := q.keys(queue)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.waiting)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.SCard(ctx, k.active)
	failed := pipe.SCard(ctx, k.failed)
	completed := pipe.Get(ctx, k.completed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return core.StateCounts{}, queueErr("counts", err)
	}

	var completedCount int64
	if v, err := completed.Int64(); err == nil {
		completedCount = v
	}

	return core.StateCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completedCount,
		Failed:    failed.Val(),
	}, nil
}

// WorkerCount returns the number of workers with a fresh heartbeat, pruning
// stale registrations as a side effect.
func (q *Queue) WorkerCount(ctx context.Context, queue string) (int, error) {
	k := q.keys(queue)
	entries, err := q.client.HGetAll(ctx, k.workers).Result()
	if err != nil {
		return 0, queueErr("worker count", err)
	}

	cutoff := q.now().Add(-workerTTL).Unix()
	live := 0
	var stale []string
	for workerID, beat := range entries {
		ts, parseErr := strconv.ParseInt(beat, 10, 64)
		if parseErr != nil || ts < cutoff {
			stale = append(stale, workerID)
			continue
		}
		live++
	}
	if len(stale) > 0 {
		if err := q.client.HDel(ctx, k.workers, stale...).Err(); err != nil {
			q.logger.WarnContext(ctx, "failed to prune stale workers",
				"queue", queue, "count", len(stale), "error", err)
		}
	}
	return live, nil
}

// Claim pops the highest-priority waiting entry into active, promoting due
// delayed entries first. Returns nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, queue string) (*core.JobHandle, error) {
	k := q.keys(queue)
	res, err := claimScript.Run(ctx, q.client,
		[]string{k.waiting, k.delayed, k.active, k.seq},
		q.now().UnixMilli(), k.jobPrefix,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, queueErr("claim", err)
	}

	raw, ok := res.([]interface{})
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		key, _ := raw[i].(string)
		val, _ := raw[i+1].(string)
		fields[key] = val
	}
	return jobFromFields(fields), nil
}

// Complete transitions an active entry to completed.
func (q *Queue) Complete(ctx context.Context, queue, id string) (bool, error) {
	k := q.keys(queue)
	res, err := completeScript.Run(ctx, q.client,
		[]string{k.jobPrefix + id, k.active, k.completed},
		id, int(terminalTTL.Seconds()),
	).Int()
	if err != nil {
		return false, queueErr("complete", err)
	}
	return res == 1, nil
}

// Fail records a failure on an active entry; retried reports whether the
// entry was re-delayed for another attempt.
func (q *Queue) Fail(ctx context.Context, queue, id, reason string) (bool, error) {
	k := q.keys(queue)
	res, err := failScript.Run(ctx, q.client,
		[]string{k.jobPrefix + id, k.active, k.delayed, k.failed},
		id, reason, q.now().UnixMilli(), int(terminalTTL.Seconds()),
	).Int()
	if err != nil {
		return false, queueErr("fail", err)
	}
	return res == 1, nil
}

// MarkFailed forces a live entry into the failed terminal state.
func (q *Queue) MarkFailed(ctx context.Context, queue, id, reason string) (bool, error) {
	k := q.keys(queue)
	res, err := markFailedScript.Run(ctx, q.client,
		[]string{k.jobPrefix + id, k.waiting, k.delayed, k.active, k.failed},
		id, reason, int(terminalTTL.Seconds()),
	).Int()
	if err != nil {
		return false, queueErr("mark failed", err)
	}
	return res == 1, nil
}

// RetryFailed requeues every failed entry, best-effort per job.
func (q *Queue) RetryFailed(ctx context.Context, queue string) (int, error) {
	k := q.keys(queue)
	ids, err := q.client.SMembers(ctx, k.failed).Result()
	if err != nil {
		return 0, queueErr("retry failed", err)
	}

	requeued := 0
	for _, id := range ids {
		res, runErr := retryOneScript.Run(ctx, q.client,
			[]string{k.jobPrefix + id, k.failed, k.waiting, k.seq},
			id,
		).Int()
		if runErr != nil {
			q.logger.WarnContext(ctx, "failed to requeue job",
				"queue", queue, "job_id", id, "error", runErr)
			continue
		}
		if res == 1 {
			requeued++
		}
	}
	return requeued, nil
}

// RegisterWorker records a live consumer on the queue.
func (q *Queue) RegisterWorker(ctx context.Context, queue, workerID string) error {
	return q.Heartbeat(ctx, queue, workerID)
}

// Heartbeat refreshes a worker's registration.
func (q *Queue) Heartbeat(ctx context.Context, queue, workerID string) error {
	k := q.keys(queue)
	if err := q.client.HSet(ctx, k.workers, workerID, q.now().Unix()).Err(); err != nil {
		return queueErr("worker heartbeat", err)
	}
	return nil
}

// DeregisterWorker removes a worker's registration.
func (q *Queue) DeregisterWorker(ctx context.Context, queue, workerID string) error {
	if err := q.client.HDel(ctx, q.keys(queue).workers, workerID).Err(); err != nil {
		return queueErr("worker deregister", err)
	}
	return nil
}

// Ping verifies backend connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return queueErr("ping", err)
	}
	return nil
}

func jobFromFields(fields map[string]string) *core.JobHandle {
	job := &core.JobHandle{
		ID:        fields["id"],
		Type:      fields["type"],
		State:     core.JobState(fields["state"]),
		LastError: fields["last_error"],
	}
	if payload := fields["payload"]; payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job
}

func queueErr(op string, err error) error {
	return apperrors.QueueUnavailable("queue "+op+" failed", err)
}
