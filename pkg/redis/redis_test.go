package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/redis"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return redis.NewClientFromRedis(rdb, logger), mr
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	client, _ := newTestClient(t)
	locker := redis.NewLocker(client, "sync:")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "integration-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sync:integration-1", lock.Key())

	_, err = locker.Acquire(ctx, "integration-1", time.Minute)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)

	other, err := locker.Acquire(ctx, "integration-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	locked, err := locker.IsLocked(ctx, "integration-1")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)

	_, err = locker.Acquire(ctx, "integration-1", time.Minute)
	assert.NoError(t, err)
}

func TestLock_ExtendAfterExpiry(t *testing.T) {
	client, mr := newTestClient(t)
	locker := redis.NewLocker(client, "")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Extend(ctx, 0))

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, lock.Extend(ctx, time.Second), redis.ErrLockNotHeld)

	// a new owner's lock is not released by the stale handle
	fresh, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
	assert.NoError(t, fresh.Release(ctx))
}

func TestBlocker(t *testing.T) {
	client, mr := newTestClient(t)
	blocker := redis.NewBlocker(client, "")
	ctx := context.Background()

	blocked, _, err := blocker.IsBlocked(ctx, "integration-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, blocker.BlockFor(ctx, "integration-1", 0))
	blocked, _, err = blocker.IsBlocked(ctx, "integration-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, blocker.BlockFor(ctx, "integration-1", 30*time.Second))
	blocked, remaining, err := blocker.IsBlocked(ctx, "integration-1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Greater(t, remaining, time.Duration(0))

	mr.FastForward(31 * time.Second)
	blocked, _, err = blocker.IsBlocked(ctx, "integration-1")
	require.NoError(t, err)
	assert.False(t, blocked)
}
