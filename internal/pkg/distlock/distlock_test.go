package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l1 := NewRedisLock(client, "attribution:tick", time.Minute)
	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second holder cannot acquire while l1 holds the key.
	l2 := NewRedisLock(client, "attribution:tick", time.Minute)
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l1.Release(ctx))

	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseOnlyIfOwned(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l1 := NewRedisLock(client, "attribution:tick", time.Minute)
	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A foreign lock instance releasing must not delete l1's key.
	l2 := NewRedisLock(client, "attribution:tick", time.Minute)
	require.NoError(t, l2.Release(ctx))

	l3 := NewRedisLock(client, "attribution:tick", time.Minute)
	ok, err = l3.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock should still be held by l1")
}

func TestRedisLock_Extend(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "attribution:tick", time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, time.Minute))
}

func TestNewLock_FallsBackToPostgres(t *testing.T) {
	l := NewLock(nil, nil, "attribution:tick", time.Minute)
	_, isPG := l.(*PGAdvisoryLock)
	assert.True(t, isPG)
}
