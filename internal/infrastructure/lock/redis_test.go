package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

func TestTryAcquire_Exclusive(t *testing.T) {
	rdb, _ := setupRedis(t)
	ctx := context.Background()
	a := &Redis{Client: rdb, TTL: time.Minute}
	b := &Redis{Client: rdb, TTL: time.Minute}

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseB, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}

func TestRelease_DoesNotDropSomeoneElsesLease(t *testing.T) {
	rdb, mr := setupRedis(t)
	ctx := context.Background()
	a := &Redis{Client: rdb, TTL: time.Second}

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	b := &Redis{Client: rdb, TTL: time.Minute}
	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists(DefaultKey))
}

func TestTryAcquire_NilClient(t *testing.T) {
	_, ok, err := (&Redis{}).TryAcquire(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}
