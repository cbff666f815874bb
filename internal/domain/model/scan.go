// Package model defines the core data types shared across the threatdiviner scan core.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TriggerSource identifies what caused a scan to be requested.
type TriggerSource string

const (
	// TriggerScheduled marks scans fired by the cron scheduler.
	TriggerScheduled TriggerSource = "scheduled"
	// TriggerManual marks scans requested explicitly by an operator or API call.
	TriggerManual TriggerSource = "manual"
	// TriggerWebhook marks scans fired by a push/PR webhook.
	TriggerWebhook TriggerSource = "webhook"
	// TriggerCVERecheck marks SCA-only scans fired by the new-CVE sweep.
	TriggerCVERecheck TriggerSource = "cve_recheck"
)

// Valid returns true if the TriggerSource is one of the known sources.
func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerWebhook, TriggerCVERecheck:
		return true
	default:
		return false
	}
}

// ScanStatus represents the persisted lifecycle status of a scan record.
type ScanStatus string

const (
	// ScanStatusQueued indicates the scan has been recorded and enqueued.
	ScanStatusQueued ScanStatus = "queued"
	// ScanStatusRunning indicates a worker is executing the scan.
	ScanStatusRunning ScanStatus = "running"
	// ScanStatusCompleted indicates the scan finished successfully.
	ScanStatusCompleted ScanStatus = "completed"
	// ScanStatusFailed indicates the scan failed terminally.
	ScanStatusFailed ScanStatus = "failed"
	// ScanStatusCancelled indicates the scan was cancelled before or during execution.
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Valid returns true if the ScanStatus is one of the known statuses.
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanStatusQueued, ScanStatusRunning, ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	default:
		return false
	}
}

// ScanConfig enumerates which scanner families are enabled for a repository
// plus their auxiliary targets.
type ScanConfig struct {
	SAST      bool `json:"sast"`
	SCA       bool `json:"sca"`
	Secrets   bool `json:"secrets"`
	IaC       bool `json:"iac"`
	DAST      bool `json:"dast"`
	Container bool `json:"container"`

	TargetURLs      []string `json:"target_urls,omitempty"`
	ContainerImages []string `json:"container_images,omitempty"`
	SkipPaths       []string `json:"skip_paths,omitempty"`
	Branches        []string `json:"branches,omitempty"`
}

// AnyEnabled reports whether at least one scanner family is enabled.
func (c ScanConfig) AnyEnabled() bool {
	return c.SAST || c.SCA || c.Secrets || c.IaC || c.DAST || c.Container
}

// SCAOnly returns a copy of the config with only the SCA family enabled.
// Used by the CVE-recheck sweep, which never needs the other scanners.
func (c ScanConfig) SCAOnly() ScanConfig {
	return ScanConfig{SCA: true, SkipPaths: c.SkipPaths, Branches: c.Branches}
}

// ScanJobDescriptor is an immutable value describing one scan request.
// It is constructed once by the scheduler or a manual/webhook trigger and
// never mutated afterwards; cancellation and retries operate on the queue
// entry, not on this value.
type ScanJobDescriptor struct {
	ScanID       string     `json:"scan_id"`
	TenantID     string     `json:"tenant_id"`
	RepositoryID string     `json:"repository_id"`
	ConnectionID string     `json:"connection_id"`
	CommitSHA    string     `json:"commit_sha"`
	Branch       string     `json:"branch"`
	CloneURL     string     `json:"clone_url"`
	FullName     string     `json:"full_name"`
	Config       ScanConfig `json:"config"`

	PullRequestID *string       `json:"pull_request_id,omitempty"`
	CheckRunID    *string       `json:"check_run_id,omitempty"`
	TriggeredBy   TriggerSource `json:"triggered_by,omitempty"`
}

// Validate validates the descriptor fields required to dispatch a scan.
func (d *ScanJobDescriptor) Validate() error {
	if d.ScanID == "" {
		return errors.New("scan id is required")
	}
	if d.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if d.RepositoryID == "" {
		return errors.New("repository id is required")
	}
	if d.CommitSHA == "" {
		return errors.New("commit sha is required")
	}
	if d.Branch == "" {
		return errors.New("branch is required")
	}
	if d.TriggeredBy != "" && !d.TriggeredBy.Valid() {
		return fmt.Errorf("invalid trigger source: %q", d.TriggeredBy)
	}
	if !d.Config.AnyEnabled() {
		return errors.New("at least one scanner must be enabled")
	}
	return nil
}

// ScanRecord is the persisted row tracking one scan's lifecycle.
type ScanRecord struct {
	ID           string        `json:"id"             db:"id"`
	TenantID     string        `json:"tenant_id"      db:"tenant_id"`
	RepositoryID string        `json:"repository_id"  db:"repository_id"`
	CommitSHA    string        `json:"commit_sha"     db:"commit_sha"`
	Branch       string        `json:"branch"         db:"branch"`
	Status       ScanStatus    `json:"status"         db:"status"`
	TriggeredBy  TriggerSource `json:"triggered_by"   db:"triggered_by"`
	LastError    *string       `json:"last_error,omitempty" db:"last_error"`
	StartedAt    *time.Time    `json:"started_at,omitempty"   db:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"  db:"finished_at"`
	CreatedAt    time.Time     `json:"created_at"     db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"     db:"updated_at"`
}

// NotificationPayload is the body of a notify-queue job.
type NotificationPayload struct {
	ScanID       string     `json:"scan_id"`
	TenantID     string     `json:"tenant_id"`
	RepositoryID string     `json:"repository_id"`
	FullName     string     `json:"full_name"`
	Status       ScanStatus `json:"status"`
	Summary      string     `json:"summary,omitempty"`
}

// CleanupPayload is the body of a cleanup-queue job. Cleanup is always
// delayed to let transient scan resources settle before teardown.
type CleanupPayload struct {
	ScanID       string `json:"scan_id"`
	RepositoryID string `json:"repository_id"`
	Workspace    string `json:"workspace,omitempty"`
}

// WeeklySummary carries the data rendered into a tenant's weekly digest.
type WeeklySummary struct {
	TenantID     string    `json:"tenant_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	ScansRun     int       `json:"scans_run"`
	NewFindings  int       `json:"new_findings"`
	AutoResolved int       `json:"auto_resolved"`
	CriticalOpen int       `json:"critical_open"`
}

// DigestTenant describes a tenant due for a weekly digest send.
type DigestTenant struct {
	TenantID   string   `json:"tenant_id"`
	Recipients []string `json:"recipients"`
	Summary    WeeklySummary
}

// NormalizeBranch trims a ref prefix such as "refs/heads/" from a branch name.
func NormalizeBranch(branch string) string {
	return strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/")
}
