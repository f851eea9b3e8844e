package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var errShutdown = errors.New("queue: shut down before retry")

type PoolConfig struct {
	Workers     int
	Backlog     int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// HandlerTimeout bounds a single attempt.
	HandlerTimeout time.Duration
	DeadLetter     DeadLetterFunc
	Log            *zap.Logger
}

type job struct {
	task        Task
	attempt     int
	maxAttempts int
	bo          backoff.BackOff
}

type pendingRetry struct {
	timer *time.Timer
	job   *job
}

// Pool is the in-process backend: a bounded backlog feeding an ants worker
// pool. Failed jobs are re-queued after an exponential delay and handed to
// DeadLetter once attempts run out.
type Pool struct {
	cfg     PoolConfig
	workers *ants.Pool
	backlog chan *job
	stopped chan struct{}

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]pendingRetry

	inflight sync.WaitGroup
	retries  sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

var (
	_ Client = (*Pool)(nil)
	_ Server = (*Pool)(nil)
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.L()
	}
	log := cfg.Log
	workers, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("queue worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("queue: worker pool: %w", err)
	}
	return &Pool{
		cfg:      cfg,
		workers:  workers,
		backlog:  make(chan *job, cfg.Backlog),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		handlers: map[string]Handler{},
		pending:  map[uint64]pendingRetry{},
	}, nil
}

func (p *Pool) Register(taskType string, h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[taskType] = h
}

func (p *Pool) newBackOff() backoff.BackOff {
	return retryPolicy(p.cfg.RetryBase, p.cfg.RetryMax)
}

// Enqueue never blocks: a full backlog returns ErrQueueFull.
func (p *Pool) Enqueue(_ context.Context, t Task, opts ...EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("queue: task type is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	o := mergeOptions(opts)
	j := &job{task: t, maxAttempts: p.cfg.MaxAttempts, bo: p.newBackOff()}
	if o.MaxRetry > 0 {
		j.maxAttempts = o.MaxRetry + 1
	}

	if o.ProcessIn > 0 {
		if p.isClosed() {
			return "", ErrClosed
		}
		p.schedule(j, o.ProcessIn)
		return t.ID, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	select {
	case p.backlog <- j:
		return t.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Run dispatches jobs until ctx is done or Stop is called, then drains.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-p.stopped:
			p.shutdown()
			return nil
		case j := <-p.backlog:
			p.inflight.Add(1)
			err := p.workers.Submit(func() {
				defer p.inflight.Done()
				p.execute(j)
			})
			if err != nil {
				p.inflight.Done()
				p.dead(j, fmt.Errorf("submit: %w", err))
			}
		}
	}
}

// Stop asks Run to drain and waits for it, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopped) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.Stop(ctx)
}

func (p *Pool) execute(j *job) {
	j.attempt++
	p.hmu.RLock()
	h, ok := p.handlers[j.task.Type]
	p.hmu.RUnlock()
	if !ok {
		p.dead(j, fmt.Errorf("no handler for %q", j.task.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandlerTimeout)
	err := h(ctx, j.task)
	cancel()
	if err == nil {
		return
	}
	if IsPermanent(err) || j.attempt >= j.maxAttempts {
		p.dead(j, err)
		return
	}
	delay := j.bo.NextBackOff()
	p.cfg.Log.Warn("task failed, retrying",
		zap.String("task", describe(j.task)), zap.Int("attempt", j.attempt),
		zap.Duration("delay", delay), zap.Error(err))
	p.schedule(j, delay)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) schedule(j *job, delay time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dead(j, errShutdown)
		return
	}
	id := p.nextID
	p.nextID++
	p.retries.Add(1)
	p.pending[id] = pendingRetry{job: j, timer: time.AfterFunc(delay, func() { p.fire(id) })}
	p.mu.Unlock()
}

func (p *Pool) fire(id uint64) {
	p.mu.Lock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	defer p.retries.Done()
	select {
	case p.backlog <- pr.job:
	case <-p.stopped:
		p.dead(pr.job, errShutdown)
	}
}

func (p *Pool) shutdown() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.inflight.Wait()

	p.mu.Lock()
	p.closed = true
	pending := p.pending
	p.pending = map[uint64]pendingRetry{}
	p.mu.Unlock()
	for _, pr := range pending {
		pr.timer.Stop()
		p.dead(pr.job, errShutdown)
		p.retries.Done()
	}
	p.retries.Wait()

	for {
		select {
		case j := <-p.backlog:
			p.dead(j, errShutdown)
		default:
			p.workers.Release()
			return
		}
	}
}

func (p *Pool) dead(j *job, err error) {
	p.cfg.Log.Error("task dead-lettered",
		zap.String("task", describe(j.task)), zap.Int("attempts", j.attempt), zap.Error(err))
	if p.cfg.DeadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.cfg.DeadLetter(ctx, j.task, j.attempt, err)
}
