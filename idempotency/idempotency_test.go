package idempotency

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	key := Key("session-1", "evt-"+time.Now().Format(time.RFC3339Nano))

	first, err := c.MarkSeen(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkSeen(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, c.Forget(ctx, key))
	after, err := c.MarkSeen(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, after)

	_, err = c.MarkSeen(ctx, "", time.Hour)
	assert.ErrorIs(t, err, ErrEmptyKey)

	var winners atomic.Int32
	var wg sync.WaitGroup
	race := key + ":race"
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.MarkSeen(ctx, race, time.Hour)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemoryCache())
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.MarkSeen(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	n, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = c.MarkSeen(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewRedisCache(client, "test:")
	exerciseCache(t, c)

	ctx := context.Background()
	ok, err := c.MarkSeen(ctx, "ttl", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	ok, err = c.MarkSeen(ctx, "ttl", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresCache(t *testing.T) {
	dsn := os.Getenv("ZENTRIX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ZENTRIX_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	exerciseCache(t, NewPostgresCache(pool))
}

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) Prune(context.Context) (int, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestStartPruning(t *testing.T) {
	p := &countingPruner{}
	sched, err := StartPruning(p, "@every 1s")
	require.NoError(t, err)
	defer sched.Stop()

	assert.Eventually(t, func() bool { return p.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	_, err = StartPruning(p, "not a schedule")
	assert.Error(t, err)
}
