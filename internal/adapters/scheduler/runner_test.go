package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayazgul2000/threatdiviner/internal/core"
)

type stubTicker struct {
	ticks atomic.Int64
	err   error
}

func (s *stubTicker) Tick(context.Context) (int, error) {
	s.ticks.Add(1)
	return 0, s.err
}

func TestNewRunnerRequiresInfrastructure(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	// An injected scheduler stands in for the full stack.
	_, err = NewRunner(RunnerOptions{Scheduler: &stubTicker{}})
	require.NoError(t, err)
}

func TestRunnerTicksUntilCancelled(t *testing.T) {
	stub := &stubTicker{}
	runner, err := NewRunner(RunnerOptions{
		Scheduler: stub,
		Config:    &core.SchedulerConfig{TickInterval: 10 * time.Millisecond, BatchSize: 1, Concurrency: 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stub.ticks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerKeepsTickingAfterErrors(t *testing.T) {
	stub := &stubTicker{err: errors.New("queue unavailable")}
	runner, err := NewRunner(RunnerOptions{
		Scheduler: stub,
		Config:    &core.SchedulerConfig{TickInterval: 10 * time.Millisecond, BatchSize: 1, Concurrency: 1},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stub.ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
