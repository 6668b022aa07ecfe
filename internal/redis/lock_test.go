package redisclient

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*PractitionerLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPractitionerLocker(rdb, 2*time.Second), mr
}

func TestWithPractitionerLock_RunsAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)
	id := uuid.New()

	ran := false
	err := locker.WithPractitionerLock(context.Background(), id, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(lockKey(id)))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(lockKey(id)))
}

func TestWithPractitionerLock_SecondCallerRejected(t *testing.T) {
	locker, _ := newTestLocker(t)
	id := uuid.New()

	err := locker.WithPractitionerLock(context.Background(), id, func(ctx context.Context) error {
		inner := locker.WithPractitionerLock(ctx, id, func(context.Context) error {
			t.Fatal("nested critical section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithPractitionerLock_DifferentPractitionersIndependent(t *testing.T) {
	locker, _ := newTestLocker(t)
	a, b := uuid.New(), uuid.New()

	err := locker.WithPractitionerLock(context.Background(), a, func(ctx context.Context) error {
		return locker.WithPractitionerLock(ctx, b, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestWithPractitionerLock_PropagatesErrorAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)
	id := uuid.New()
	boom := errors.New("boom")

	err := locker.WithPractitionerLock(context.Background(), id, func(context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(lockKey(id)))
}

func TestRelease_DoesNotDeleteForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t)
	key := lockKey(uuid.New())
	require.NoError(t, mr.Set(key, "someone-else"))

	require.NoError(t, locker.release(context.Background(), key, "mine"))

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestWithPractitionerLock_LogsFailedRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	var buf bytes.Buffer
	locker := NewPractitionerLocker(rdb, 2*time.Second, WithLockLogger(zerolog.New(&buf)))

	err := locker.WithPractitionerLock(context.Background(), uuid.New(), func(context.Context) error {
		mr.Close()
		return nil
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "lock release failed")
	assert.Contains(t, buf.String(), `"component":"practitioner_lock"`)
}

func TestNewRedisClient_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	mr.Close()
	_, err = NewRedisClient(context.Background(), Options{Addr: mr.Addr()})
	assert.Error(t, err)
}
