package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }

	pool := NewPool(0, 0, noop)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 1024, pool.queueSize)

	assert.Panics(t, func() { NewPool[testWork](1, 1, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)
	assert.ErrorIs(t, pool.Start(ctx), errors.ErrAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), processed.Load(), "Stop drains queued work")

	assert.ErrorIs(t, pool.Submit(testWork{id: 99}), ErrPoolStopped)
	require.NoError(t, pool.Stop(time.Second), "second Stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 2, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var rejected int
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			assert.True(t, stderrors.Is(err, errors.ErrQueueFull))
			rejected++
		}
	}
	close(release)
	require.NoError(t, pool.Stop(5*time.Second))

	assert.GreaterOrEqual(t, rejected, 7)
	assert.Equal(t, int64(rejected), pool.Stats().Dropped)
}

func TestPool_ProcessingErrorsDoNotStopWorkers(t *testing.T) {
	pool := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return stderrors.New("simulated")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	pool := NewPool(1, 100, func(_ context.Context, w testWork) error {
		mu.Lock()
		order = append(order, w.id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	want := make([]int, 50)
	for i := range want {
		want[i] = i
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, want, order)
}

func TestPool_ContextCancellationStopsWorkers(t *testing.T) {
	pool := NewPool(2, 10, func(ctx context.Context, w testWork) error {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Hour}))

	cancel()
	assert.NoError(t, pool.Stop(2*time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return stderrors.New("boom")
		}
		return nil
	}, WithMetricsRegistry[testWork](registry, "test_pool"))

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Stop(5*time.Second))

	require.NotNil(t, pool.metrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.failed))
}
