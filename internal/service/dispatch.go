// Package service provides the business logic for scan scheduling and
// dispatch.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
	"github.com/ayazgul2000/threatdiviner/internal/observability/metrics"
	"github.com/ayazgul2000/threatdiviner/internal/observability/statsd"
)

// Job type names on the wire.
const (
	JobTypeScan         = "scan"
	JobTypeNotification = "notification"
	JobTypeCleanup      = "cleanup"
)

// ScanJobID returns the dedup id for a scan job, stable per scan so a retried
// dispatch never stacks a duplicate behind a live entry.
func ScanJobID(scanID string) string { return "scan-" + scanID }

// NotifyJobID returns the dedup id for a notification job.
func NotifyJobID(scanID string) string { return "notify-" + scanID }

// CleanupJobID returns the dedup id for a cleanup job.
func CleanupJobID(scanID string) string { return "cleanup-" + scanID }

// DispatchService is the facade between scan producers (scheduler, webhooks,
// manual triggers) and the job queue. It owns job id conventions, retry
// policy, and the cancellation flow.
type DispatchService struct {
	queue   core.JobQueue
	bus     core.CancelBus
	scans   core.ScanStore
	cfg     core.DispatchConfig
	metrics statsd.Sink
	logger  *slog.Logger
}

// DispatchServiceOptions holds the dependencies for a DispatchService.
type DispatchServiceOptions struct {
	Queue   core.JobQueue
	Bus     core.CancelBus
	Scans   core.ScanStore
	Config  *core.DispatchConfig
	Metrics statsd.Sink
	Logger  *slog.Logger
}

// NewDispatchService constructs a DispatchService.
func NewDispatchService(opts DispatchServiceOptions) *DispatchService {
	if opts.Queue == nil {
		panic("JobQueue is required")
	}
	if opts.Bus == nil {
		panic("CancelBus is required")
	}
	if opts.Scans == nil {
		panic("ScanStore is required")
	}
	cfg := core.DefaultDispatchConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchService{
		queue:   opts.Queue,
		bus:     opts.Bus,
		scans:   opts.Scans,
		cfg:     cfg,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// EnqueueScan places a scan job on the scans queue under the scan's dedup id.
// created=false means an identical live job already exists, which callers
// treat as success.
func (s *DispatchService) EnqueueScan(ctx context.Context, job model.ScanJobDescriptor) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid scan job")
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal scan job: %w", err)
	}

	created, err := s.queue.Enqueue(ctx, core.QueueScans, core.EnqueueParams{
		JobID:    ScanJobID(job.ScanID),
		Type:     JobTypeScan,
		Payload:  payload,
		Priority: s.cfg.ScanPriority,
		Retry:    s.cfg.ScanRetry,
	})
	if err != nil {
		metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
			Trigger:    string(job.TriggeredBy),
			Transition: "enqueue",
			Result:     metrics.ResultError,
			Err:        err,
		})
		return false, err
	}

	result := metrics.ResultSuccess
	if !created {
		result = metrics.ResultNoop
		s.logger.InfoContext(ctx, "scan job already queued",
			"scan_id", job.ScanID, "repository_id", job.RepositoryID)
	} else {
		s.logger.InfoContext(ctx, "scan job enqueued",
			"scan_id", job.ScanID,
			"repository_id", job.RepositoryID,
			"trigger", job.TriggeredBy,
			"commit_sha", job.CommitSHA)
	}
	metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
		Trigger:    string(job.TriggeredBy),
		Transition: "enqueue",
		Result:     result,
	})

	s.reportQueueDepth(ctx, core.QueueScans)
	return created, nil
}

// EnqueueNotification places a notification job on the notifications queue.
func (s *DispatchService) EnqueueNotification(ctx context.Context, payload model.NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, core.QueueNotifications, core.EnqueueParams{
		JobID:   NotifyJobID(payload.ScanID),
		Type:    JobTypeNotification,
		Payload: body,
		Retry:   core.RetryPolicy{MaxAttempts: 3, Backoff: s.cfg.ScanRetry.Backoff},
	})
	return err
}

// EnqueueCleanup places a cleanup job on the cleanup queue. Cleanup is always
// delayed so transient scan resources settle before teardown.
func (s *DispatchService) EnqueueCleanup(ctx context.Context, payload model.CleanupPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cleanup: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, core.QueueCleanup, core.EnqueueParams{
		JobID:   CleanupJobID(payload.ScanID),
		Type:    JobTypeCleanup,
		Payload: body,
		Delay:   s.cfg.CleanupDelay,
		Retry:   core.RetryPolicy{MaxAttempts: 1},
	})
	return err
}

// ScanJobState returns the queue state of a scan's job entry.
func (s *DispatchService) ScanJobState(ctx context.Context, scanID string) (core.JobState, error) {
	return s.queue.State(ctx, core.QueueScans, ScanJobID(scanID))
}

// cancelRaceRetries caps how often CancelScan re-reads a job that keeps
// changing state between the lookup and the removal.
const cancelRaceRetries = 3

// CancelScan cancels a scan wherever it is in the pipeline. Returns true when
// the scan is cancelled or already finished, false when no job exists for the
// id. Cancelling a terminal scan is an idempotent success.
func (s *DispatchService) CancelScan(ctx context.Context, scanID string) (bool, error) {
	jobID := ScanJobID(scanID)
	for attempt := 0; ; attempt++ {
		state, err := s.queue.State(ctx, core.QueueScans, jobID)
		if err != nil {
			return false, err
		}

		switch state {
		case core.JobStateUnknown:
			return false, nil

		case core.JobStateActive:
			// Signal the worker holding the job; the queue entry is force-failed
			// so observers see a terminal state even if the signal is lost.
			if pubErr := s.bus.Publish(ctx, scanID); pubErr != nil {
				s.logger.ErrorContext(ctx, "cancel signal publish failed",
					"scan_id", scanID, "error", pubErr)
			}
			if _, failErr := s.queue.MarkFailed(ctx, core.QueueScans, jobID, "cancelled"); failErr != nil {
				return false, failErr
			}
			s.logger.InfoContext(ctx, "active scan cancelled", "scan_id", scanID)
			metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
				Transition: "cancel", Result: metrics.ResultSuccess,
			})
			return true, nil

		case core.JobStateWaiting, core.JobStateDelayed:
			removed, removeErr := s.queue.Remove(ctx, core.QueueScans, jobID)
			if removeErr != nil {
				return false, removeErr
			}
			if !removed {
				// Raced into another state between lookup and removal, usually
				// because a worker claimed the job. Re-read and handle the new
				// state, a bounded number of times.
				if attempt < cancelRaceRetries {
					continue
				}
				return false, apperrors.Internalf("scan %s kept changing queue state during cancel", scanID)
			}
			if updateErr := s.scans.UpdateStatus(ctx, scanID, model.ScanStatusCancelled, "cancelled before start"); updateErr != nil {
				s.logger.ErrorContext(ctx, "failed to mark scan record cancelled",
					"scan_id", scanID, "error", updateErr)
			}
			s.logger.InfoContext(ctx, "queued scan cancelled", "scan_id", scanID)
			metrics.EmitScanLifecycle(s.metrics, metrics.ScanMetric{
				Transition: "cancel", Result: metrics.ResultSuccess,
			})
			return true, nil

		default:
			// Completed, failed or removed: nothing to do.
			return true, nil
		}
	}
}

// RetryFailedJobs requeues all terminally failed jobs on the queue.
func (s *DispatchService) RetryFailedJobs(ctx context.Context, queue string) (int, error) {
	requeued, err := s.queue.RetryFailed(ctx, queue)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.logger.InfoContext(ctx, "failed jobs requeued", "queue", queue, "count", requeued)
	}
	return requeued, nil
}

// QueueHealth reports queue backend liveness, per-queue worker counts and
// depths. It never returns an error: an unreachable backend yields
// Connected=false with zero counts.
func (s *DispatchService) QueueHealth(ctx context.Context) core.QueueHealth {
	health := core.QueueHealth{Workers: make(map[string]int)}
	if err := s.queue.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "queue backend unreachable", "error", err)
		return health
	}
	health.Connected = true

	for _, queue := range []string{core.QueueScans, core.QueueNotifications, core.QueueCleanup} {
		workers, err := s.queue.WorkerCount(ctx, queue)
		if err != nil {
			s.logger.WarnContext(ctx, "worker count failed", "queue", queue, "error", err)
			continue
		}
		health.Workers[queue] = workers
	}
	return health
}

// QueueCounts returns the per-state depths of one queue.
func (s *DispatchService) QueueCounts(ctx context.Context, queue string) (core.StateCounts, error) {
	return s.queue.Counts(ctx, queue)
}

func (s *DispatchService) reportQueueDepth(ctx context.Context, queue string) {
	counts, err := s.queue.Counts(ctx, queue)
	if err != nil {
		s.logger.WarnContext(ctx, "queue depth lookup failed", "queue", queue, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "queue depth",
		"queue", queue,
		"waiting", counts.Waiting,
		"active", counts.Active,
		"delayed", counts.Delayed)
	metrics.EmitQueueDepth(s.metrics, queue, counts)
}
