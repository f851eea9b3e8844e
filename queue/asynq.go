package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ParseRedisURL turns REDIS_URL into asynq connection options.
func ParseRedisURL(url string) (asynq.RedisConnOpt, error) {
	if url == "" {
		return nil, errors.New("asynq: REDIS_URL is not set")
	}
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	return opt, nil
}

// AsynqClient enqueues durable tasks in Redis.
type AsynqClient struct {
	client   *asynq.Client
	maxRetry int
}

var _ Client = (*AsynqClient)(nil)

func NewAsynqClient(opt asynq.RedisConnOpt, maxAttempts int) *AsynqClient {
	maxRetry := maxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &AsynqClient{client: asynq.NewClient(opt), maxRetry: maxRetry}
}

func (a *AsynqClient) Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("asynq: task type is required")
	}
	o := mergeOptions(opts)
	maxRetry := a.maxRetry
	if o.MaxRetry > 0 {
		maxRetry = o.MaxRetry
	}
	asynqOpts := []asynq.Option{asynq.MaxRetry(maxRetry)}
	if t.ID != "" {
		asynqOpts = append(asynqOpts, asynq.TaskID(t.ID))
	}
	if o.Queue != "" {
		asynqOpts = append(asynqOpts, asynq.Queue(o.Queue))
	}
	if o.ProcessIn > 0 {
		asynqOpts = append(asynqOpts, asynq.ProcessIn(o.ProcessIn))
	}

	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// already queued under this id
		return t.ID, nil
	}
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (a *AsynqClient) Close() error {
	return a.client.Close()
}

type AsynqConfig struct {
	Concurrency int
	// Queues is a weight list like "critical=6,default=3".
	Queues     string
	RetryBase  time.Duration
	RetryMax   time.Duration
	DeadLetter DeadLetterFunc
	Log        *zap.Logger
}

// AsynqServer consumes tasks from Redis. Tasks that exhaust their retries
// or fail permanently are archived by asynq and reported to DeadLetter.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

var _ Server = (*AsynqServer)(nil)

func NewAsynqServer(opt asynq.RedisConnOpt, cfg AsynqConfig) *AsynqServer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = zap.L()
	}
	queues := map[string]int{"default": 1}
	if parsed := parseQueueWeights(cfg.Queues); len(parsed) > 0 {
		queues = parsed
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      queues,
		Logger:      cfg.Log.Sugar(),
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryDelay(cfg.RetryBase, cfg.RetryMax, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			id, _ := asynq.GetTaskID(ctx)
			if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
				cfg.Log.Warn("task failed, retrying",
					zap.String("type", task.Type()), zap.String("id", id), zap.Int("retried", retried), zap.Error(err))
				return
			}
			cfg.Log.Error("task dead-lettered", zap.String("type", task.Type()), zap.String("id", id), zap.Error(err))
			if cfg.DeadLetter != nil {
				cfg.DeadLetter(ctx, Task{Type: task.Type(), Payload: task.Payload(), ID: id}, retried+1, err)
			}
		}),
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux()}
}

func (s *AsynqServer) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		err := h(ctx, Task{Type: t.Type(), Payload: t.Payload(), ID: id})
		if err != nil && IsPermanent(err) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	})
}

// Run starts the server and blocks until ctx is cancelled.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *AsynqServer) Stop(context.Context) error {
	s.server.Shutdown()
	return nil
}

// retryDelay replays the shared policy up to the given retry count, since
// asynq asks for one delay at a time.
func retryDelay(base, max time.Duration, retried int) time.Duration {
	eb := retryPolicy(base, max)
	d := eb.NextBackOff()
	for i := 0; i < retried; i++ {
		d = eb.NextBackOff()
	}
	return d
}
