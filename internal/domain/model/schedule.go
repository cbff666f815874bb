package model

import (
	"time"
)

// Schedule presets are user-facing sugar over fixed cron expressions. They
// are resolved to cron strings at config-update time, never stored as-is.
const (
	PresetDaily   = "daily"
	PresetWeekly  = "weekly"
	PresetMonthly = "monthly"

	cronDaily   = "0 2 * * *"
	cronWeekly  = "0 2 * * 1"
	cronMonthly = "0 2 1 * *"
)

// CronForPreset maps a schedule preset name to its fixed cron expression.
// Returns false for unknown presets.
func CronForPreset(preset string) (string, bool) {
	switch preset {
	case PresetDaily:
		return cronDaily, true
	case PresetWeekly:
		return cronWeekly, true
	case PresetMonthly:
		return cronMonthly, true
	default:
		return "", false
	}
}

// PresetForCron derives the preset name back from a cron expression, or ""
// when the expression is not one of the fixed preset strings.
func PresetForCron(cron string) string {
	switch cron {
	case cronDaily:
		return PresetDaily
	case cronWeekly:
		return PresetWeekly
	case cronMonthly:
		return PresetMonthly
	default:
		return ""
	}
}

// ScheduleConfig is the per-repository persisted scheduling state.
//
// Invariant: NextScheduledScan is nil iff Enabled is false or Cron is nil;
// otherwise it holds the next fire time >= now, lazily recomputed after each
// firing or config update.
type ScheduleConfig struct {
	Enabled           bool       `json:"schedule_enabled"        db:"schedule_enabled"`
	Cron              *string    `json:"schedule_cron,omitempty" db:"schedule_cron"`
	Timezone          string     `json:"schedule_timezone"       db:"schedule_timezone"`
	LastScheduledScan *time.Time `json:"last_scheduled_scan,omitempty" db:"last_scheduled_scan"`
	NextScheduledScan *time.Time `json:"next_scheduled_scan,omitempty" db:"next_scheduled_scan"`
}

// EffectiveTimezone returns the configured timezone, defaulting to UTC.
func (c ScheduleConfig) EffectiveTimezone() string {
	if c.Timezone == "" {
		return "UTC"
	}
	return c.Timezone
}

// Active reports whether the schedule can ever fire: enabled with a cron set.
func (c ScheduleConfig) Active() bool {
	return c.Enabled && c.Cron != nil && *c.Cron != ""
}

// Preset returns the preset name the stored cron corresponds to, or "" when
// the cron is custom.
func (c ScheduleConfig) Preset() string {
	if c.Cron == nil {
		return ""
	}
	return PresetForCron(*c.Cron)
}

// SchedulePatch is a partial update to a repository's schedule config.
// Preset, when set, takes precedence over Cron.
type SchedulePatch struct {
	Enabled  *bool   `json:"schedule_enabled,omitempty"`
	Cron     *string `json:"schedule_cron,omitempty"`
	Preset   *string `json:"preset,omitempty"`
	Timezone *string `json:"schedule_timezone,omitempty"`
}

// RepositorySchedule is the full context the scheduler needs to fire one
// repository: identity, SCM coordinates, credentials reference, the scan
// configuration, and the schedule state itself.
type RepositorySchedule struct {
	RepositoryID  string `db:"repository_id"`
	TenantID      string `db:"tenant_id"`
	ConnectionID  string `db:"connection_id"`
	ProviderKind  string `db:"provider_kind"`
	Owner         string `db:"owner"`
	Name          string `db:"name"`
	FullName      string `db:"full_name"`
	CloneURL      string `db:"clone_url"`
	DefaultBranch string `db:"default_branch"`
	AccessToken   string `db:"access_token"`
	// ProviderBaseURL overrides the hosted API endpoint for self-hosted
	// installs; empty means the provider default.
	ProviderBaseURL string `db:"provider_base_url"`

	Schedule ScheduleConfig
	Scan     ScanConfig
}

// MaintenanceTask is one row of the slow-cadence maintenance schedule
// (stale-finding auto-resolution, baseline expiry, weekly digest, CVE
// recheck). It piggybacks on the same cron-driven execution model as
// repository schedules.
type MaintenanceTask struct {
	Name     string     `db:"name"`
	Cron     string     `db:"cron"`
	Timezone string     `db:"timezone"`
	LastRun  *time.Time `db:"last_run"`
	NextRun  *time.Time `db:"next_run"`
}
