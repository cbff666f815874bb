// Package notify fans scan notifications out to delivery channels.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	"github.com/ayazgul2000/threatdiviner/internal/domain/model"
)

// SenderFunc adapts functions to core.NotificationSender's scan-result half
// (useful for tests).
type SenderFunc func(ctx context.Context, payload model.NotificationPayload) error

// SendScanResult implements the scan-result half of core.NotificationSender.
func (f SenderFunc) SendScanResult(ctx context.Context, payload model.NotificationPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// SendWeeklySummary is a no-op on SenderFunc.
func (f SenderFunc) SendWeeklySummary(context.Context, model.DigestTenant) error {
	return nil
}

// Fanout delivers every notification to all configured senders. A failing
// sender does not stop the others; the joined error carries every failure.
type Fanout struct {
	senders []core.NotificationSender
	logger  *slog.Logger
}

// NewFanout creates a Fanout over the given senders.
func NewFanout(logger *slog.Logger, senders ...core.NotificationSender) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{senders: senders, logger: logger}
}

// SendScanResult delivers the scan result to every sender.
func (f *Fanout) SendScanResult(ctx context.Context, payload model.NotificationPayload) error {
	var errs []error
	for _, sender := range f.senders {
		if err := sender.SendScanResult(ctx, payload); err != nil {
			f.logger.ErrorContext(ctx, "scan notification delivery failed",
				"scan_id", payload.ScanID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendWeeklySummary delivers the digest to every sender.
func (f *Fanout) SendWeeklySummary(ctx context.Context, digest model.DigestTenant) error {
	var errs []error
	for _, sender := range f.senders {
		if err := sender.SendWeeklySummary(ctx, digest); err != nil {
			f.logger.ErrorContext(ctx, "weekly digest delivery failed",
				"tenant_id", digest.TenantID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
