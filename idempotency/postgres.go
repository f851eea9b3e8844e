package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCache stores keys in webhook_events. An expired row is reclaimed
// by the same upsert that would otherwise conflict.
type PostgresCache struct {
	pool *pgxpool.Pool
}

var (
	_ Cache  = (*PostgresCache)(nil)
	_ Pruner = (*PostgresCache)(nil)
)

func NewPostgresCache(pool *pgxpool.Pool) *PostgresCache {
	return &PostgresCache{pool: pool}
}

func (c *PostgresCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	now := time.Now().UTC()
	var got string
	err := c.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (key, expires_at) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		  WHERE webhook_events.expires_at < $3
		 RETURNING key`,
		key, now.Add(ttl), now,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres mark seen: %w", err)
	}
	return true, nil
}

func (c *PostgresCache) Forget(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM webhook_events WHERE key=$1`, key); err != nil {
		return fmt.Errorf("postgres forget: %w", err)
	}
	return nil
}

func (c *PostgresCache) Prune(ctx context.Context) (int, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM webhook_events WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
