package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/testutil"
)

type stubScanStore struct {
	// mu guards the fields below; scheduler ticks create scans concurrently.
	mu       sync.Mutex
	created  []model.ScanRecord
	statuses map[string]model.ScanStatus
	errors   map[string]string

	createID      string
	createExists  bool
	createErr     error
	updateErr     error
	countSince    int
	countSinceErr error
}

func newStubScanStore() *stubScanStore {
	return &stubScanStore{
		statuses: make(map[string]model.ScanStatus),
		errors:   make(map[string]string),
		createID: "scan-id-1",
	}
}

func (s *stubScanStore) Create(_ context.Context, scan model.ScanRecord) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", false, s.createErr
	}
	s.created = append(s.created, scan)
	return s.createID, !s.createExists, nil
}

func (s *stubScanStore) Get(_ context.Context, id string) (*model.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	if !ok {
		return nil, apperrors.NotFoundf("scan %s not found", id)
	}
	return &model.ScanRecord{ID: id, Status: status}, nil
}

func (s *stubScanStore) UpdateStatus(_ context.Context, id string, status model.ScanStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.statuses[id] = status
	if errMsg != "" {
		s.errors[id] = errMsg
	}
	return nil
}

func (s *stubScanStore) CountSince(context.Context, string, time.Time) (int, error) {
	return s.countSince, s.countSinceErr
}

func scanJob(scanID string) model.ScanJobDescriptor {
	return model.ScanJobDescriptor{
		ScanID:       scanID,
		TenantID:     "tenant-1",
		RepositoryID: "repo-1",
		CommitSHA:    "abc123",
		Branch:       "main",
		TriggeredBy:  model.TriggerScheduled,
		Config:       model.ScanConfig{SAST: true},
	}
}

func newDispatch(queue *testutil.MemQueue, bus *testutil.MemBus, scans *stubScanStore) *DispatchService {
	return NewDispatchService(DispatchServiceOptions{
		Queue: queue,
		Bus:   bus,
		Scans: scans,
	})
}

func TestEnqueueScanDedup(t *testing.T) {
	queue := testutil.NewMemQueue()
	svc := newDispatch(queue, testutil.NewMemBus(), newStubScanStore())
	ctx := context.Background()

	created, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Second dispatch for the same scan is a successful no-op.
	created, err = svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	assert.False(t, created)

	state, err := queue.State(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateWaiting, state)
}

func TestEnqueueScanValidation(t *testing.T) {
	svc := newDispatch(testutil.NewMemQueue(), testutil.NewMemBus(), newStubScanStore())

	job := scanJob("s1")
	job.CommitSHA = ""
	_, err := svc.EnqueueScan(context.Background(), job)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestEnqueueScanQueueUnavailable(t *testing.T) {
	queue := testutil.NewMemQueue()
	queue.EnqueueErr = apperrors.QueueUnavailable("redis down", nil)
	svc := newDispatch(queue, testutil.NewMemBus(), newStubScanStore())

	_, err := svc.EnqueueScan(context.Background(), scanJob("s1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsQueueUnavailable(err))
}

func TestEnqueueCleanupIsDelayed(t *testing.T) {
	queue := testutil.NewMemQueue()
	svc := newDispatch(queue, testutil.NewMemBus(), newStubScanStore())
	ctx := context.Background()

	require.NoError(t, svc.EnqueueCleanup(ctx, model.CleanupPayload{ScanID: "s1", RepositoryID: "repo-1"}))

	state, err := queue.State(ctx, core.QueueCleanup, CleanupJobID("s1"))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateDelayed, state)
}

func TestCancelScanAbsent(t *testing.T) {
	svc := newDispatch(testutil.NewMemQueue(), testutil.NewMemBus(), newStubScanStore())

	cancelled, err := svc.CancelScan(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelScanWaiting(t *testing.T) {
	queue := testutil.NewMemQueue()
	bus := testutil.NewMemBus()
	scans := newStubScanStore()
	svc := newDispatch(queue, bus, scans)
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)

	cancelled, err := svc.CancelScan(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	state, err := queue.State(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateRemoved, state)

	// The scan record is finalised since no worker will ever touch it.
	assert.Equal(t, model.ScanStatusCancelled, scans.statuses["s1"])
	// No signal needed for a job nobody holds.
	assert.Empty(t, bus.Published())
}

func TestCancelScanActive(t *testing.T) {
	queue := testutil.NewMemQueue()
	bus := testutil.NewMemBus()
	svc := newDispatch(queue, bus, newStubScanStore())
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	_, err = queue.Claim(ctx, core.QueueScans)
	require.NoError(t, err)

	cancelled, err := svc.CancelScan(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	assert.Equal(t, []string{"s1"}, bus.Published())

	job, err := queue.Job(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobStateFailed, job.State)
	assert.Equal(t, "cancelled", job.LastError)
}

func TestCancelScanActiveSurvivesPublishFailure(t *testing.T) {
	queue := testutil.NewMemQueue()
	bus := testutil.NewMemBus()
	bus.PublishErr = apperrors.QueueUnavailable("pubsub down", nil)
	svc := newDispatch(queue, bus, newStubScanStore())
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	_, err = queue.Claim(ctx, core.QueueScans)
	require.NoError(t, err)

	// Publish failures are logged, not propagated; the queue entry still
	// lands in the terminal state.
	cancelled, err := svc.CancelScan(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	state, err := queue.State(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateFailed, state)
}

// raceQueue has a worker claim the job between the cancel flow's state read
// and its removal, so the first Remove finds the entry already active.
type raceQueue struct {
	*testutil.MemQueue
	removes int
}

func (q *raceQueue) Remove(ctx context.Context, queue, id string) (bool, error) {
	q.removes++
	if q.removes == 1 {
		if _, err := q.Claim(ctx, queue); err != nil {
			return false, err
		}
	}
	return q.MemQueue.Remove(ctx, queue, id)
}

func TestCancelScanFollowsJobClaimedMidCancel(t *testing.T) {
	queue := &raceQueue{MemQueue: testutil.NewMemQueue()}
	bus := testutil.NewMemBus()
	svc := NewDispatchService(DispatchServiceOptions{
		Queue: queue,
		Bus:   bus,
		Scans: newStubScanStore(),
	})
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)

	cancelled, err := svc.CancelScan(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The job went active mid-cancel, so the worker got the signal and the
	// entry was force-failed instead of removed.
	assert.Equal(t, []string{"s1"}, bus.Published())
	state, err := queue.State(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)
	assert.Equal(t, core.JobStateFailed, state)
}

// stuckQueue reports the job as waiting but never lets it be removed, the
// pathological race that must not spin forever.
type stuckQueue struct {
	*testutil.MemQueue
	removes int
}

func (q *stuckQueue) Remove(context.Context, string, string) (bool, error) {
	q.removes++
	return false, nil
}

func TestCancelScanGivesUpAfterBoundedRetries(t *testing.T) {
	queue := &stuckQueue{MemQueue: testutil.NewMemQueue()}
	svc := NewDispatchService(DispatchServiceOptions{
		Queue: queue,
		Bus:   testutil.NewMemBus(),
		Scans: newStubScanStore(),
	})
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)

	cancelled, err := svc.CancelScan(ctx, "s1")
	require.Error(t, err)
	assert.False(t, cancelled)
	assert.True(t, apperrors.IsInternal(err))
	assert.Equal(t, cancelRaceRetries+1, queue.removes)
}

func TestCancelScanTerminalIsIdempotent(t *testing.T) {
	queue := testutil.NewMemQueue()
	svc := newDispatch(queue, testutil.NewMemBus(), newStubScanStore())
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	_, err = queue.Claim(ctx, core.QueueScans)
	require.NoError(t, err)
	_, err = queue.Complete(ctx, core.QueueScans, ScanJobID("s1"))
	require.NoError(t, err)

	cancelled, err := svc.CancelScan(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestQueueHealthNeverErrors(t *testing.T) {
	queue := testutil.NewMemQueue()
	svc := newDispatch(queue, testutil.NewMemBus(), newStubScanStore())

	health := svc.QueueHealth(context.Background())
	assert.True(t, health.Connected)
	assert.Equal(t, 1, health.Workers[core.QueueScans])

	queue.PingErr = apperrors.QueueUnavailable("redis down", nil)
	health = svc.QueueHealth(context.Background())
	assert.False(t, health.Connected)
	assert.Empty(t, health.Workers)
}

func TestRetryFailedJobs(t *testing.T) {
	queue := testutil.NewMemQueue()
	cfg := core.DefaultDispatchConfig()
	cfg.ScanRetry = core.RetryPolicy{MaxAttempts: 1}
	svc := NewDispatchService(DispatchServiceOptions{
		Queue:  queue,
		Bus:    testutil.NewMemBus(),
		Scans:  newStubScanStore(),
		Config: &cfg,
	})
	ctx := context.Background()

	_, err := svc.EnqueueScan(ctx, scanJob("s1"))
	require.NoError(t, err)
	_, err = queue.Claim(ctx, core.QueueScans)
	require.NoError(t, err)
	_, err = queue.Fail(ctx, core.QueueScans, ScanJobID("s1"), "boom")
	require.NoError(t, err)

	requeued, err := svc.RetryFailedJobs(ctx, core.QueueScans)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
}
