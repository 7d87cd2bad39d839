package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisLocker(t *testing.T) (*redisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &redisLocker{client: client, log: zap.NewNop()}, mr
}

func TestRedisLockExcludesSecondAcquire(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, ErrConcurrentRun)

	require.NoError(t, held.Release(ctx))
	again, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockHasTTL(t *testing.T) {
	l, mr := newRedisLocker(t)
	_, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(redisKey))
}

func TestRedisReleaseDoesNotStealSuccessor(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx)
	require.NoError(t, err)

	// Simulate TTL expiry and a new run taking the lock.
	mr.FastForward(2 * time.Hour)
	_, err = l.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrConcurrentRun)
}

func TestFileLockExcludesSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	l := &fileLocker{path: dir + "/ingestion.lock", log: zap.NewNop()}
	ctx := context.Background()

	held, err := l.Acquire(ctx)
	require.NoError(t, err)
	defer held.Release(ctx)
}

func TestNewFallsBackInOrder(t *testing.T) {
	log := zap.NewNop()
	_, isRedis := New("redis://localhost:6379/0", "", log).(*redisLocker)
	assert.True(t, isRedis)
	_, isFile := New("", t.TempDir(), log).(*fileLocker)
	assert.True(t, isFile)
	_, isNoop := New("", "", log).(*noopLocker)
	assert.True(t, isNoop)
}

func TestNoopAlwaysAcquires(t *testing.T) {
	l := &noopLocker{log: zap.NewNop()}
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.NoError(t, held.Release(context.Background()))
}
