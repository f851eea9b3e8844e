package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/barretodotcom/zentrix_inbox/api/requests"
	"github.com/barretodotcom/zentrix_inbox/api/server"
	"github.com/barretodotcom/zentrix_inbox/config"
	"github.com/barretodotcom/zentrix_inbox/credentials"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/idempotency"
	"github.com/barretodotcom/zentrix_inbox/ingest"
	"github.com/barretodotcom/zentrix_inbox/phone"
	"github.com/barretodotcom/zentrix_inbox/provider"
	"github.com/barretodotcom/zentrix_inbox/queue"
	"github.com/barretodotcom/zentrix_inbox/session"
	"github.com/barretodotcom/zentrix_inbox/ws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app is the wired process: one store, one idempotency cache, one queue
// backend, and the HTTP server on top.
type app struct {
	server    *server.Server
	workers   queue.Server
	storeKind string
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{storeKind: "memory"}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var (
		store db.Store
		pool  *pgxpool.Pool
		err   error
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err = db.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		store = db.NewPostgresStore(pool)
		a.storeKind = "postgres"
	} else {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		store = db.NewMemoryStore()
	}

	seen, err := buildIdempotency(cfg, pool, a, log)
	if err != nil {
		return nil, err
	}

	secretsKey := cfg.SecretsKey
	if secretsKey == "" {
		log.Warn("SECRETS_KEY not set, deriving the sealing key from JWT_SECRET")
		secretsKey = cfg.JWTSecret
	}
	sealer, err := credentials.NewSealer(secretsKey)
	if err != nil {
		return nil, err
	}
	creds := &credentials.Manager{Store: store, Sealer: sealer, PublicBaseURL: cfg.PublicBaseURL}

	provisioner := &session.Provisioner{
		Store:       store,
		Provider:    provider.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey),
		Credentials: creds,
		Machine:     session.Machine{QRTTL: cfg.QRTTL},
		MaxAttempts: cfg.ProvisionMaxAttempts,
		Log:         log.Named("session"),
	}

	hub := ws.NewHub()
	processor := &ingest.Processor{
		Store:    store,
		Sessions: provisioner,
		Notifier: hub,
		Log:      log.Named("ingest"),
	}

	client, workers, err := buildQueue(cfg, processor, log)
	if err != nil {
		return nil, err
	}
	workers.Register(ingest.TaskType, processor.Handle)
	a.workers = workers
	a.closers = append(a.closers, func() { _ = client.Close() })

	a.server = &server.Server{
		Store:        store,
		Sessions:     provisioner,
		Credentials:  creds,
		Normalizer:   &ingest.Normalizer{Phones: phone.NewNormalizer(cfg.DefaultPhoneRegion)},
		Seen:         seen,
		SeenTTL:      cfg.IdempotencyTTL,
		Queue:        client,
		Hub:          hub,
		Claims:       requests.ClaimsProvider{Secret: []byte(cfg.JWTSecret)},
		MaxBodyBytes: cfg.MaxBodyBytes,
		Log:          log.Named("http"),
	}
	built = true
	return a, nil
}

func buildIdempotency(cfg *config.Config, pool *pgxpool.Pool, a *app, log *zap.Logger) (idempotency.Cache, error) {
	switch cfg.IdempotencyBackend {
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("idempotency: parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		return idempotency.NewRedisCache(rdb, "zentrix:"), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("idempotency: postgres backend needs DATABASE_URL")
		}
		c := idempotency.NewPostgresCache(pool)
		return c, startPruner(c, a, log)
	default:
		c := idempotency.NewMemoryCache()
		return c, startPruner(c, a, log)
	}
}

func startPruner(p idempotency.Pruner, a *app, log *zap.Logger) error {
	sched, err := idempotency.StartPruning(p, "")
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { <-sched.Stop().Done() })
	log.Debug("idempotency pruning scheduled")
	return nil
}

func buildQueue(cfg *config.Config, processor *ingest.Processor, log *zap.Logger) (queue.Client, queue.Server, error) {
	if strings.EqualFold(cfg.QueueBackend, "asynq") {
		opt, err := queue.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := queue.NewAsynqClient(opt, cfg.IngestMaxAttempts)
		srv := queue.NewAsynqServer(opt, queue.AsynqConfig{
			Concurrency: cfg.IngestWorkers,
			Queues:      cfg.AsynqQueues,
			RetryBase:   cfg.IngestRetryBase,
			DeadLetter:  processor.DeadLetter,
			Log:         log.Named("queue"),
		})
		return client, srv, nil
	}
	p, err := queue.NewPool(queue.PoolConfig{
		Workers:     cfg.IngestWorkers,
		Backlog:     cfg.IngestBacklog,
		MaxAttempts: cfg.IngestMaxAttempts,
		RetryBase:   cfg.IngestRetryBase,
		DeadLetter:  processor.DeadLetter,
		Log:         log.Named("queue"),
	})
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}
