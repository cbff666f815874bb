package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayazgul2000/threatdiviner/internal/core"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the scan scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeScanRunner runs the scan execution worker.
	ServiceModeScanRunner ServiceMode = "scan-runner"
	// ServiceModeMaintenance runs the maintenance task loop.
	ServiceModeMaintenance ServiceMode = "maintenance"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeScanRunner,
		ServiceModeMaintenance,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeScanRunner, ServiceModeMaintenance:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, scan-runner, maintenance)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scan scheduler service configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`

	// BatchSize caps how many due schedules one tick processes.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// Concurrency caps how many repositories fire in parallel per tick.
	Concurrency int `env:"SCHEDULER_CONCURRENCY" envDefault:"8"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
}

// ToCore converts the env-level config to the service-level tuning struct.
func (s *SchedulerConfig) ToCore() core.SchedulerConfig {
	return core.SchedulerConfig{
		TickInterval: s.Interval,
		BatchSize:    s.BatchSize,
		Concurrency:  s.Concurrency,
	}
}

// DispatchConfig contains job dispatch policy configuration.
type DispatchConfig struct {
	// ScanPriority orders scan jobs within the scans queue (0-100).
	ScanPriority int `env:"DISPATCH_SCAN_PRIORITY" envDefault:"5"`

	// ScanMaxAttempts bounds retries of failed scan jobs.
	ScanMaxAttempts int `env:"DISPATCH_SCAN_MAX_ATTEMPTS" envDefault:"3"`

	// ScanRetryBackoff is the base delay before a failed scan's first retry;
	// it doubles per attempt.
	ScanRetryBackoff time.Duration `env:"DISPATCH_SCAN_RETRY_BACKOFF" envDefault:"30s"`

	// CleanupDelay defers every cleanup job after its scan finishes.
	CleanupDelay time.Duration `env:"DISPATCH_CLEANUP_DELAY" envDefault:"60s"`
}

// Sanitize applies guardrails to dispatch configuration values.
func (d *DispatchConfig) Sanitize() {
	if d.ScanPriority < 0 {
		d.ScanPriority = 0
	}
	if d.ScanPriority > 100 {
		d.ScanPriority = 100
	}
	if d.ScanMaxAttempts < 1 {
		d.ScanMaxAttempts = 1
	}
	if d.ScanRetryBackoff < time.Second {
		d.ScanRetryBackoff = time.Second
	}
	if d.CleanupDelay < 0 {
		d.CleanupDelay = 0
	}
}

// ToCore converts the env-level config to the service-level tuning struct.
func (d *DispatchConfig) ToCore() core.DispatchConfig {
	return core.DispatchConfig{
		ScanRetry: core.RetryPolicy{
			MaxAttempts: d.ScanMaxAttempts,
			Backoff:     d.ScanRetryBackoff,
		},
		ScanPriority: d.ScanPriority,
		CleanupDelay: d.CleanupDelay,
	}
}

// ScanRunnerConfig contains scan execution worker configuration.
type ScanRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"SCAN_RUNNER_CONCURRENCY" envDefault:"2"`

	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration `env:"SCAN_RUNNER_POLL_INTERVAL" envDefault:"1s"`

	// HeartbeatInterval refreshes the worker registration in the queue.
	HeartbeatInterval time.Duration `env:"SCAN_RUNNER_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// WorkerID overrides the generated worker identity; useful when a stable
	// name per pod is wanted.
	WorkerID string `env:"SCAN_RUNNER_WORKER_ID"`

	// EngineURL is the base URL of the scan engine that executes claimed
	// jobs. Required when the scan-runner service is enabled.
	EngineURL string `env:"SCAN_RUNNER_ENGINE_URL"`

	// EngineTimeout bounds one scan execution end to end.
	EngineTimeout time.Duration `env:"SCAN_RUNNER_ENGINE_TIMEOUT" envDefault:"30m"`
}

// Sanitize applies guardrails to scan runner configuration values.
func (s *ScanRunnerConfig) Sanitize() {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.PollInterval < 100*time.Millisecond {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.HeartbeatInterval < time.Second {
		s.HeartbeatInterval = time.Second
	}
	if s.EngineTimeout < time.Minute {
		s.EngineTimeout = time.Minute
	}
}

// MaintenanceConfig contains maintenance loop configuration.
type MaintenanceConfig struct {
	// Interval is the maintenance tick interval.
	Interval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"5m"`

	// StaleFindingAge is how long a finding may go unseen before the daily
	// sweep auto-resolves it.
	StaleFindingAge time.Duration `env:"MAINTENANCE_STALE_FINDING_AGE" envDefault:"720h"` // 30 days

	// CVERecheckBatch caps repositories enqueued per CVE recheck sweep.
	CVERecheckBatch int `env:"MAINTENANCE_CVE_RECHECK_BATCH" envDefault:"200"`
}

// Sanitize applies guardrails to maintenance configuration values.
func (m *MaintenanceConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if m.Interval < time.Minute {
		m.Interval = time.Minute
	}
	if m.StaleFindingAge < 24*time.Hour {
		m.StaleFindingAge = 24 * time.Hour
	}
	if m.CVERecheckBatch < 1 {
		m.CVERecheckBatch = 1
	}
	if m.CVERecheckBatch > 10000 {
		m.CVERecheckBatch = 10000
	}
}

// ToCore converts the env-level config to the service-level tuning struct.
func (m *MaintenanceConfig) ToCore() core.MaintenanceConfig {
	return core.MaintenanceConfig{
		TickInterval:    m.Interval,
		StaleFindingAge: m.StaleFindingAge,
		CVERecheckBatch: m.CVERecheckBatch,
	}
}
