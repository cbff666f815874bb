// Package scanrunner provides the worker adapter that claims and executes
// scan jobs.
package scanrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	"github.com/ayazgul2000/threatdiviner/internal/observability/metrics"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
)

// followupDispatcher enqueues the jobs that follow a finished scan.
type followupDispatcher interface {
	EnqueueNotification(ctx context.Context, payload model.NotificationPayload) error
	EnqueueCleanup(ctx context.Context, payload model.CleanupPayload) error
}

// Runner claims scan jobs from the scans queue and executes them. It owns the
// worker registration and heartbeat, listens on the cancel bus to abort
// in-flight scans, and enqueues the notification and cleanup followups after
// each terminal outcome.
type Runner struct {
	queue     core.JobQueue
	bus       core.CancelBus
	scans     core.ScanStore
	dispatch  followupDispatcher
	executor  core.ScanExecutor
	workerID  string
	workers   int
	poll      time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Queue    core.JobQueue
	Bus      core.CancelBus
	Scans    core.ScanStore
	Dispatch followupDispatcher
	Executor core.ScanExecutor

	// WorkerID identifies this process in the queue's worker registry;
	// defaults to a random id.
	WorkerID string
	// Concurrency is the number of worker goroutines; defaults to 1.
	Concurrency int
	// PollInterval is the idle wait between claim attempts; defaults to 1s.
	PollInterval time.Duration
	// HeartbeatInterval refreshes the worker registration; defaults to 10s.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewRunner creates a scan runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("cancel bus is required")
	}
	if opts.Scans == nil {
		return nil, errors.New("scan store is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("scan executor is required")
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "scan-runner-" + uuid.NewString()[:8]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		queue:     opts.Queue,
		bus:       opts.Bus,
		scans:     opts.Scans,
		dispatch:  opts.Dispatch,
		executor:  opts.Executor,
		workerID:  opts.WorkerID,
		workers:   opts.Concurrency,
		poll:      opts.PollInterval,
		heartbeat: opts.HeartbeatInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Run registers the worker and processes scan jobs until the context is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scan runner",
		"worker_id", r.workerID, "workers", r.workers)

	if err := r.queue.RegisterWorker(ctx, core.QueueScans, r.workerID); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer r.deregister()

	stop, err := r.bus.Subscribe(ctx, r.onCancelSignal)
	if err != nil {
		return fmt.Errorf("subscribe cancel bus: %w", err)
	}
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx)
		}()
	}
	wg.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// deregister uses a fresh context so shutdown still cleans up the registry.
func (r *Runner) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.DeregisterWorker(ctx, core.QueueScans, r.workerID); err != nil {
		r.logger.WarnContext(ctx, "worker deregister failed",
			"worker_id", r.workerID, "error", err)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, core.QueueScans, r.workerID); err != nil {
				r.logger.WarnContext(ctx, "worker heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := r.queue.Claim(ctx, core.QueueScans)
		if err != nil {
			r.logger.ErrorContext(ctx, "claim failed", "error", err)
			r.idle(ctx)
			continue
		}
		if job == nil {
			r.idle(ctx)
			continue
		}
		r.processJob(ctx, job)
	}
}

func (r *Runner) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.poll):
	}
}

// onCancelSignal aborts the in-flight scan with the given id, if this worker
// holds it. Signals for scans held elsewhere are ignored.
func (r *Runner) onCancelSignal(scanID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[scanID]
	r.mu.Unlock()
	if ok {
		r.logger.Info("cancelling in-flight scan", "scan_id", scanID)
		cancel()
	}
}

func (r *Runner) trackScan(scanID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[scanID] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrackScan(scanID string) {
	r.mu.Lock()
	delete(r.cancels, scanID)
	r.mu.Unlock()
}

func (r *Runner) processJob(ctx context.Context, job *core.JobHandle) {
	var desc model.ScanJobDescriptor
	if err := json.Unmarshal(job.Payload, &desc); err != nil {
		// A payload we cannot decode will never succeed; fail it terminally.
		r.logger.ErrorContext(ctx, "malformed scan job payload",
			"job_id", job.ID, "error", err)
		if _, mfErr := r.queue.MarkFailed(ctx, core.QueueScans, job.ID, "malformed payload"); mfErr != nil {
			r.logger.ErrorContext(ctx, "failed to mark malformed job failed",
				"job_id", job.ID, "error", mfErr)
		}
		return
	}

	logger := r.logger.With("scan_id", desc.ScanID, "repository", desc.FullName)
	start := time.Now()

	if err := r.scans.UpdateStatus(ctx, desc.ScanID, model.ScanStatusRunning, ""); err != nil {
		logger.ErrorContext(ctx, "failed to mark scan running", "error", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.trackScan(desc.ScanID, cancel)
	defer r.untrackScan(desc.ScanID)

	logger.InfoContext(ctx, "scan started", "attempt", job.Attempts+1, "commit_sha", desc.CommitSHA)
	execErr := r.executor.Execute(jobCtx, desc)

	switch {
	case execErr == nil:
		r.finishScan(ctx, job, desc, model.ScanStatusCompleted, "", start)
		logger.InfoContext(ctx, "scan completed", "duration", time.Since(start))

	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Cancelled through the bus while the parent is still healthy. The
		// dispatcher normally force-fails the queue entry when it publishes
		// the signal; MarkFailed here covers signals published directly.
		if _, mfErr := r.queue.MarkFailed(ctx, core.QueueScans, job.ID, "cancelled"); mfErr != nil {
			logger.ErrorContext(ctx, "failed to mark cancelled job", "error", mfErr)
		}
		if err := r.scans.UpdateStatus(ctx, desc.ScanID, model.ScanStatusCancelled, "cancelled"); err != nil {
			logger.ErrorContext(ctx, "failed to mark scan cancelled", "error", err)
		}
		r.enqueueFollowups(ctx, desc, model.ScanStatusCancelled)
		r.emit(desc, "cancel", metrics.ResultSuccess, time.Since(start), nil)
		logger.InfoContext(ctx, "scan cancelled", "duration", time.Since(start))

	case ctx.Err() != nil:
		// Shutdown mid-scan: hand the attempt back for another worker.
		if _, failErr := r.queue.Fail(ctx, core.QueueScans, job.ID, "worker shutdown"); failErr != nil {
			logger.ErrorContext(ctx, "failed to release job on shutdown", "error", failErr)
		}
		if err := r.scans.UpdateStatus(ctx, desc.ScanID, model.ScanStatusQueued, ""); err != nil {
			logger.ErrorContext(ctx, "failed to requeue scan record", "error", err)
		}

	default:
		retried, failErr := r.queue.Fail(ctx, core.QueueScans, job.ID, execErr.Error())
		if failErr != nil {
			logger.ErrorContext(ctx, "failed to record scan failure", "error", failErr)
			return
		}
		if retried {
			logger.WarnContext(ctx, "scan failed, will retry",
				"attempt", job.Attempts+1, "error", execErr)
			if err := r.scans.UpdateStatus(ctx, desc.ScanID, model.ScanStatusQueued, ""); err != nil {
				logger.ErrorContext(ctx, "failed to requeue scan record", "error", err)
			}
			r.emit(desc, "retry", metrics.ResultError, time.Since(start), execErr)
			return
		}
		r.finishScan(ctx, job, desc, model.ScanStatusFailed, execErr.Error(), start)
		logger.ErrorContext(ctx, "scan failed terminally", "error", execErr)
	}
}

func (r *Runner) finishScan(
	ctx context.Context,
	job *core.JobHandle,
	desc model.ScanJobDescriptor,
	status model.ScanStatus,
	errMsg string,
	start time.Time,
) {
	if status == model.ScanStatusCompleted {
		if _, err := r.queue.Complete(ctx, core.QueueScans, job.ID); err != nil {
			r.logger.ErrorContext(ctx, "failed to complete queue entry",
				"job_id", job.ID, "error", err)
		}
	}
	if err := r.scans.UpdateStatus(ctx, desc.ScanID, status, errMsg); err != nil {
		r.logger.ErrorContext(ctx, "failed to update scan status",
			"scan_id", desc.ScanID, "status", status, "error", err)
	}
	r.enqueueFollowups(ctx, desc, status)

	result := metrics.ResultSuccess
	var emitErr error
	if status == model.ScanStatusFailed {
		result = metrics.ResultError
		emitErr = errors.New(errMsg)
	}
	r.emit(desc, "finish", result, time.Since(start), emitErr)
}

// enqueueFollowups hands the notification and the delayed cleanup to the
// dispatcher. Both are best-effort; a miss is logged and the scan outcome
// stands.
func (r *Runner) enqueueFollowups(ctx context.Context, desc model.ScanJobDescriptor, status model.ScanStatus) {
	if err := r.dispatch.EnqueueNotification(ctx, model.NotificationPayload{
		ScanID:       desc.ScanID,
		TenantID:     desc.TenantID,
		RepositoryID: desc.RepositoryID,
		FullName:     desc.FullName,
		Status:       status,
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed to enqueue notification",
			"scan_id", desc.ScanID, "error", err)
	}
	if err := r.dispatch.EnqueueCleanup(ctx, model.CleanupPayload{
		ScanID:       desc.ScanID,
		RepositoryID: desc.RepositoryID,
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed to enqueue cleanup",
			"scan_id", desc.ScanID, "error", err)
	}
}

func (r *Runner) emit(desc model.ScanJobDescriptor, transition, result string, elapsed time.Duration, err error) {
	metrics.EmitScanLifecycle(r.metrics, metrics.ScanMetric{
		Trigger:    string(desc.TriggeredBy),
		Transition: transition,
		Result:     result,
		Duration:   elapsed,
		Err:        err,
	})
}
