package redis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/testutil"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	clock := newTestClock()
	q := NewQueue(QueueOptions{Client: client, Now: clock.Now})
	return q, clock
}

func enqueueParams(id string) core.EnqueueParams {
	return core.EnqueueParams{
		JobID:   id,
		Type:    "scan",
		Payload: json.RawMessage(`{"scan_id":"` + id + `"}`),
		Retry:   core.RetryPolicy{MaxAttempts: 1},
	}
}

// hashTag extracts the {..} cluster hash tag Redis uses for slot routing.
func hashTag(t *testing.T, key string) string {
	t.Helper()
	open := strings.Index(key, "{")
	require.GreaterOrEqual(t, open, 0, "key %q has no hash tag", key)
	clos := strings.Index(key[open:], "}")
	require.Greater(t, clos, 1, "key %q has an empty hash tag", key)
	return key[open+1 : open+clos]
}

func TestQueueKeysShareOneClusterSlot(t *testing.T) {
	q := NewQueue(QueueOptions{})
	k := q.keys(core.QueueScans)

	// Cluster slot assignment only hashes the tag, so one shared tag per
	// queue keeps every multi-key Lua script single-slot.
	keys := []string{
		k.jobPrefix + "scan-1", k.waiting, k.delayed, k.active,
		k.failed, k.completed, k.workers, k.seq,
	}
	want := hashTag(t, k.waiting)
	assert.Equal(t, "td:"+core.QueueScans, want)
	for _, key := range keys {
		assert.Equal(t, want, hashTag(t, key), "key %q routes to a different slot", key)
	}

	// Distinct queues may land on distinct slots; no script spans queues.
	assert.NotEqual(t, want, hashTag(t, q.keys(core.QueueCleanup).waiting))
}

func TestQueueEnqueueDedup(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same id while live is a successful no-op.
	created, err = q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	assert.False(t, created)

	state, err := q.State(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateWaiting, state)

	counts, err := q.Counts(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestQueueEnqueueValidation(t *testing.T) {
	q, _ := setupQueue(t)

	_, err := q.Enqueue(context.Background(), "scans", core.EnqueueParams{Type: "scan"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestQueueDelayedPromotion(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	params := enqueueParams("cleanup-1")
	params.Delay = time.Minute
	created, err := q.Enqueue(ctx, "cleanup", params)
	require.NoError(t, err)
	require.True(t, created)

	state, err := q.State(ctx, "cleanup", "cleanup-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateDelayed, state)

	// Not claimable before its ready time.
	job, err := q.Claim(ctx, "cleanup")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(2 * time.Minute)

	job, err = q.Claim(ctx, "cleanup")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "cleanup-1", job.ID)
	assert.Equal(t, core.JobStateActive, job.State)
}

func TestQueueClaimOrder(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	low := enqueueParams("low")
	low.Priority = 1
	first := enqueueParams("first")
	first.Priority = 5
	second := enqueueParams("second")
	second.Priority = 5

	for _, p := range []core.EnqueueParams{low, first, second} {
		created, err := q.Enqueue(ctx, "scans", p)
		require.NoError(t, err)
		require.True(t, created)
	}

	// Higher priority claims first, FIFO within equal priority.
	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Claim(ctx, "scans")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"first", "second", "low"}, order)

	job, err := q.Claim(ctx, "scans")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueueRemove(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	require.True(t, created)

	removed, err := q.Remove(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.True(t, removed)

	state, err := q.State(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateRemoved, state)

	// Absent id is not an error.
	removed, err = q.Remove(ctx, "scans", "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestQueueRemoveRefusesActive(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	job, err := q.Claim(ctx, "scans")
	require.NoError(t, err)
	require.NotNil(t, job)

	removed, err := q.Remove(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.False(t, removed)

	state, err := q.State(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateActive, state)
}

func TestQueueCompleteLifecycle(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "scans")
	require.NoError(t, err)

	done, err := q.Complete(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.True(t, done)

	state, err := q.State(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateCompleted, state)

	counts, err := q.Counts(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Zero(t, counts.Active)

	// Terminal id can be enqueued again; the old entry is replaced.
	created, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQueueFailRetriesWithBackoff(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	params := enqueueParams("scan-1")
	params.Retry = core.RetryPolicy{MaxAttempts: 2, Backoff: 30 * time.Second}
	_, err := q.Enqueue(ctx, "scans", params)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "scans")
	require.NoError(t, err)

	retried, err := q.Fail(ctx, "scans", "scan-1", "clone timeout")
	require.NoError(t, err)
	assert.True(t, retried)

	job, err := q.Job(ctx, "scans", "scan-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobStateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "clone timeout", job.LastError)

	// Backoff has not elapsed yet.
	claimed, err := q.Claim(ctx, "scans")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock.Advance(time.Minute)
	claimed, err = q.Claim(ctx, "scans")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Second failure exhausts the attempts.
	retried, err = q.Fail(ctx, "scans", "scan-1", "clone timeout")
	require.NoError(t, err)
	assert.False(t, retried)

	state, err := q.State(ctx, "scans", "scan-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateFailed, state)
}

func TestQueueRetryFailed(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "scans")
	require.NoError(t, err)
	_, err = q.Fail(ctx, "scans", "scan-1", "boom")
	require.NoError(t, err)

	requeued, err := q.RetryFailed(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	job, err := q.Job(ctx, "scans", "scan-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobStateWaiting, job.State)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestQueueMarkFailed(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "scans", enqueueParams("scan-1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "scans")
	require.NoError(t, err)

	marked, err := q.MarkFailed(ctx, "scans", "scan-1", "cancelled")
	require.NoError(t, err)
	assert.True(t, marked)

	job, err := q.Job(ctx, "scans", "scan-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobStateFailed, job.State)
	assert.Equal(t, "cancelled", job.LastError)

	// Idempotent on terminal entries.
	marked, err = q.MarkFailed(ctx, "scans", "scan-1", "again")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestQueueWorkerCount(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.RegisterWorker(ctx, "scans", "worker-1"))
	require.NoError(t, q.RegisterWorker(ctx, "scans", "worker-2"))

	count, err := q.WorkerCount(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Stale heartbeats stop counting and get pruned.
	clock.Advance(time.Minute)
	require.NoError(t, q.Heartbeat(ctx, "scans", "worker-1"))

	count, err = q.WorkerCount(ctx, "scans")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, q.DeregisterWorker(ctx, "scans", "worker-1"))
	count, err = q.WorkerCount(ctx, "scans")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueueStateUnknownForAbsent(t *testing.T) {
	q, _ := setupQueue(t)

	state, err := q.State(context.Background(), "scans", "missing")
	require.NoError(t, err)
	assert.Equal(t, core.JobStateUnknown, state)

	job, err := q.Job(context.Background(), "scans", "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}
