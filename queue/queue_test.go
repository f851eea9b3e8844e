package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type deadRecorder struct {
	mu      sync.Mutex
	tasks   []Task
	attempt []int
	errs    []error
}

func (d *deadRecorder) record(_ context.Context, t Task, attempts int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	d.attempt = append(d.attempt, attempts)
	d.errs = append(d.errs, err)
}

func (d *deadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func startPool(t *testing.T, cfg PoolConfig) (*Pool, *deadRecorder) {
	t.Helper()
	dead := &deadRecorder{}
	cfg.DeadLetter = dead.record
	cfg.Log = zap.NewNop()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	p, err := NewPool(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		p.Stop(stopCtx)
	})
	return p, dead
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	p, dead := startPool(t, PoolConfig{MaxAttempts: 5})
	var calls atomic.Int32
	done := make(chan struct{})
	p.Register("ingest", func(ctx context.Context, task Task) error {
		if calls.Add(1) < 3 {
			return errors.New("db down")
		}
		close(done)
		return nil
	})

	id, err := p.Enqueue(context.Background(), Task{Type: "ingest", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, dead.count())
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	p, dead := startPool(t, PoolConfig{MaxAttempts: 3})
	var calls atomic.Int32
	p.Register("ingest", func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("still down")
	})

	_, err := p.Enqueue(context.Background(), Task{Type: "ingest", ID: "evt-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "evt-1", dead.tasks[0].ID)
	assert.Equal(t, 3, dead.attempt[0])
}

func TestPoolPermanentErrorSkipsRetry(t *testing.T) {
	p, dead := startPool(t, PoolConfig{MaxAttempts: 5})
	var calls atomic.Int32
	p.Register("ingest", func(ctx context.Context, task Task) error {
		calls.Add(1)
		return Permanent(errors.New("bad payload"))
	})

	_, err := p.Enqueue(context.Background(), Task{Type: "ingest"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsPermanent(dead.errs[0]))
}

func TestPoolUnknownTaskTypeIsDeadLettered(t *testing.T) {
	p, dead := startPool(t, PoolConfig{})
	_, err := p.Enqueue(context.Background(), Task{Type: "nobody"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dead.count() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestPoolBacklogFull(t *testing.T) {
	p, err := NewPool(PoolConfig{Backlog: 2, Log: zap.NewNop()})
	require.NoError(t, err)

	// nothing is draining the backlog yet
	_, err = p.Enqueue(context.Background(), Task{Type: "x"})
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), Task{Type: "x"})
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), Task{Type: "x"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolShutdownDeadLettersPendingRetries(t *testing.T) {
	dead := &deadRecorder{}
	p, err := NewPool(PoolConfig{MaxAttempts: 5, RetryBase: time.Hour, DeadLetter: dead.record, Log: zap.NewNop()})
	require.NoError(t, err)
	var calls atomic.Int32
	p.Register("ingest", func(ctx context.Context, task Task) error {
		calls.Add(1)
		return errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	_, err = p.Enqueue(context.Background(), Task{Type: "ingest"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 5*time.Millisecond)

	cancel()
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, p.Stop(stopCtx))

	assert.Equal(t, 1, dead.count())
	assert.ErrorIs(t, dead.errs[0], errShutdown)

	_, err = p.Enqueue(context.Background(), Task{Type: "ingest"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryDelayFollowsPoolPolicy(t *testing.T) {
	base := 500 * time.Millisecond
	within := func(d, center time.Duration) {
		f := backoff.DefaultRandomizationFactor
		assert.GreaterOrEqual(t, d, time.Duration(float64(center)*(1-f)), "%v around %v", d, center)
		assert.LessOrEqual(t, d, time.Duration(float64(center)*(1+f))+time.Millisecond, "%v around %v", d, center)
	}
	within(retryDelay(base, time.Minute, 0), base)
	// 500ms * 1.5^2
	within(retryDelay(base, time.Minute, 2), 1125*time.Millisecond)
	within(retryDelay(base, time.Minute, 20), time.Minute)

	eb := retryPolicy(base, time.Minute)
	assert.Equal(t, base, eb.InitialInterval)
	assert.Equal(t, time.Duration(0), eb.MaxElapsedTime)
	assert.NotEqual(t, backoff.Stop, eb.NextBackOff())
}

func TestParseQueueWeights(t *testing.T) {
	assert.Equal(t, map[string]int{"critical": 6, "default": 3, "low": 1},
		parseQueueWeights("critical=6, default=3,low"))
	assert.Empty(t, parseQueueWeights(""))
}

func TestPermanentUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
