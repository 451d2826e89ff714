package runlock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockExclusiveUntilExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "run-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Acquire(ctx, "run-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may extend its lease")

	now = now.Add(2 * time.Minute)
	holder, err := m.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = m.Acquire(ctx, "run-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")
}

func TestMemoryLockReleaseOnlyByOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "run-a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "run-b"))
	holder, err := m.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-a", holder)

	require.NoError(t, m.Release(ctx, "run-a"))
	ok, err = m.Acquire(ctx, "run-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestToInt64(t *testing.T) {
	v, err := toInt64(int64(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = toInt64("0")
	require.NoError(t, err)
	assert.Zero(t, v)
	_, err = toInt64(1.5)
	assert.Error(t, err)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("CATALOGFIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CATALOGFIT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	lock, err := NewRedisLock(client, "catalogfit-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release(context.Background(), "run-a") })

	ok, err := lock.Acquire(ctx, "run-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "run-b"))
	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-a", holder)

	require.NoError(t, lock.Release(ctx, "run-a"))
	holder, err = lock.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)
}
