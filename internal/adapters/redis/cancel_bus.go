package redis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ayazgul2000/threatdiviner/internal/core"
	apperrors "github.com/ayazgul2000/threatdiviner/internal/errors"
)

const cancelChannel = "cancel:scans"

// CancelBus implements core.CancelBus on Redis pub/sub. Delivery is
// best-effort: a publish with no subscriber is lost, which is acceptable
// because cancellation also marks the queue entry failed.
type CancelBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ core.CancelBus = (*CancelBus)(nil)

// NewCancelBus builds a Redis pub/sub cancellation bus. Prefix defaults
// to "td" and must match the queue's so workers and dispatchers agree on
// the channel name.
func NewCancelBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *CancelBus {
	if prefix == "" {
		prefix = "td"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CancelBus{client: client, prefix: prefix, logger: logger}
}

func (b *CancelBus) channel() string {
	return b.prefix + ":" + cancelChannel
}

// Publish broadcasts a cancellation for the given scan id.
func (b *CancelBus) Publish(ctx context.Context, scanID string) error {
	if scanID == "" {
		return apperrors.ValidationField("scan_id", "scan id is required")
	}
	if err := b.client.Publish(ctx, b.channel(), scanID).Err(); err != nil {
		return apperrors.QueueUnavailable("cancel publish failed", err)
	}
	return nil
}

// Subscribe invokes handler for every cancellation received until stop is
// called or ctx is cancelled. The returned stop is idempotent.
func (b *CancelBus) Subscribe(ctx context.Context, handler func(scanID string)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel())

	// Force the SUBSCRIBE round trip so a broken connection fails here
	// rather than silently dropping messages later.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, apperrors.QueueUnavailable("cancel subscribe failed", err)
	}

	go func() {
		for msg := range sub.Channel() {
			if msg.Payload == "" {
				continue
			}
			handler(msg.Payload)
		}
		b.logger.DebugContext(ctx, "cancel subscription closed")
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				b.logger.WarnContext(ctx, "failed to close cancel subscription", "error", err)
			}
		})
	}
	return stop, nil
}
