package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/testutil"
)

func TestCancelBusPublishSubscribe(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	bus := NewCancelBus(client, "", nil)
	ctx := context.Background()

	received := make(chan string, 4)
	stop, err := bus.Subscribe(ctx, func(scanID string) {
		received <- scanID
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.Publish(ctx, "scan-42"))

	select {
	case got := <-received:
		assert.Equal(t, "scan-42", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for cancel signal")
	}
}

func TestCancelBusStopIsIdempotent(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	bus := NewCancelBus(client, "", nil)
	stop, err := bus.Subscribe(context.Background(), func(string) {})
	require.NoError(t, err)

	stop()
	stop()
}

func TestCancelBusPublishValidation(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	bus := NewCancelBus(client, "", nil)
	assert.Error(t, bus.Publish(context.Background(), ""))
}

func TestCancelBusPublishWithoutSubscriberIsLost(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	bus := NewCancelBus(client, "", nil)
	ctx := context.Background()

	// No subscriber yet; best-effort delivery drops the signal.
	require.NoError(t, bus.Publish(ctx, "scan-1"))

	received := make(chan string, 1)
	stop, err := bus.Subscribe(ctx, func(scanID string) { received <- scanID })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, bus.Publish(ctx, "scan-2"))

	select {
	case got := <-received:
		assert.Equal(t, "scan-2", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for cancel signal")
	}
}
