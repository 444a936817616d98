package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)

	a := NewRedisLock(client, "reaper", time.Minute)
	b := NewRedisLock(client, "reaper", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not acquire a held lock")

	// b does not own the lock, so its release is a no-op
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAndExtend(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)

	a := NewRedisLock(client, "reaper", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists(a.Key()))

	mr.FastForward(time.Minute)
	assert.Error(t, a.Extend(ctx, time.Minute), "expired lock cannot be extended")
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)

	held := NewRedisLock(client, "sweep", time.Minute)
	ok, _ := held.Acquire(ctx)
	require.True(t, ok)

	calls := 0
	ran, err := Run(ctx, NewRedisLock(client, "sweep", time.Minute), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, calls)

	require.NoError(t, held.Release(ctx))

	boom := errors.New("boom")
	lock := NewRedisLock(client, "sweep", time.Minute)
	ran, err = Run(ctx, lock, func(context.Context) error {
		calls++
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	// released after fn returned
	ok, _ = NewRedisLock(client, "sweep", time.Minute).Acquire(ctx)
	assert.True(t, ok)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "reaper")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	// deterministic id per key
	assert.Equal(t, l.lockID, NewPGAdvisoryLock(db, "reaper").lockID)
	assert.NotEqual(t, l.lockID, NewPGAdvisoryLock(db, "other").lockID)
}

func TestNewLock_Fallbacks(t *testing.T) {
	client, _ := setupTestRedis(t)
	assert.IsType(t, &RedisLock{}, NewLock(client, nil, "k", time.Second))

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	assert.IsType(t, &PGAdvisoryLock{}, NewLock(nil, db, "k", time.Second))

	local := NewLock(nil, nil, "k", time.Second)
	ctx := context.Background()
	ok, _ := local.Acquire(ctx)
	assert.True(t, ok)
	ok, _ = local.Acquire(ctx)
	assert.False(t, ok)
	require.NoError(t, local.Release(ctx))
	ok, _ = local.Acquire(ctx)
	assert.True(t, ok)
}
