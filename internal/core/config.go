package core

import "time"

// Queue names used by the dispatch facade and workers.
const (
	QueueScans         = "scans"
	QueueNotifications = "notifications"
	QueueCleanup       = "cleanup"
)

// DispatchConfig tunes the dispatch facade's static job policies.
type DispatchConfig struct {
	// ScanRetry bounds retries of failed scan jobs.
	ScanRetry RetryPolicy
	// ScanPriority orders scan jobs within the scans queue.
	ScanPriority int
	// CleanupDelay defers every cleanup job after its scan finishes.
	CleanupDelay time.Duration
}

// DefaultDispatchConfig returns the production dispatch policy.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ScanRetry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     30 * time.Second,
		},
		ScanPriority: 5,
		CleanupDelay: 60 * time.Second,
	}
}

// SchedulerConfig tunes the scheduler tick loop.
type SchedulerConfig struct {
	// TickInterval is the cadence of due-schedule sweeps.
	TickInterval time.Duration
	// BatchSize caps how many due schedules one tick processes.
	BatchSize int
	// Concurrency caps how many repositories fire in parallel per tick.
	Concurrency int
}

// DefaultSchedulerConfig returns the production scheduler tuning.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval: time.Minute,
		BatchSize:    100,
		Concurrency:  8,
	}
}

// MaintenanceConfig tunes the maintenance task runner.
type MaintenanceConfig struct {
	TickInterval time.Duration
	// StaleFindingAge is how long a finding may go unseen before the daily
	// sweep auto-resolves it.
	StaleFindingAge time.Duration
	// CVERecheckBatch caps repositories enqueued per CVE recheck sweep.
	CVERecheckBatch int
}

// DefaultMaintenanceConfig returns the production maintenance tuning.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		TickInterval:    5 * time.Minute,
		StaleFindingAge: 30 * 24 * time.Hour,
		CVERecheckBatch: 200,
	}
}
