package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/infrastructure"
)

func newTestSQLiteStore(t *testing.T, ttl time.Duration) (*SQLiteStateStore, *time.Time) {
	t.Helper()
	db, err := infrastructure.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSQLiteStateStore(db, ttl, 5*time.Second)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestSQLiteStateStore_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLiteStore(t, time.Hour)

	ok, err := s.Claim(ctx, "telegram:42_7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "telegram:42_7")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	processed, err := s.IsProcessed(ctx, "telegram:42_7")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSQLiteStateStore_ClaimAfterTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLiteStore(t, time.Minute)

	ok, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	*clock = clock.Add(2 * time.Minute)
	processed, err := s.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, processed)

	ok, err = s.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStateStore_Release(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLiteStore(t, 0)

	_, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "k"))

	ok, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStateStore_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLiteStore(t, time.Hour)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, "chatwoot:99")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestSQLiteStateStore_TryAcquire(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLiteStore(t, time.Hour)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	last, found, err := s.LastResponse(ctx, "telegram_42")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, last.Equal(t0), "rejected acquire must not move the timestamp")

	ok, err = s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStateStore_ReleaseCooldown(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLiteStore(t, time.Hour)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseCooldown(ctx, "telegram_42", t0))

	ok, err = s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseCooldown(ctx, "telegram_42", t0))
	ok, err = s.TryAcquire(ctx, "telegram_42", 5*time.Second, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "a stale release must not clear the newer slot")
}

func TestSQLiteStateStore_PruneKeepsLongCooldown(t *testing.T) {
	ctx := context.Background()
	db, err := infrastructure.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSQLiteStateStore(db, time.Hour, 2*time.Hour)
	s.now = func() time.Time { return clock }

	ok, err := s.TryAcquire(ctx, "conv", 2*time.Hour, clock)
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(90 * time.Minute)
	_, err = s.Prune(ctx)
	require.NoError(t, err)

	ok, err = s.TryAcquire(ctx, "conv", 2*time.Hour, clock)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStateStore_RecordAndPrune(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestSQLiteStore(t, time.Minute)

	require.NoError(t, s.Record(ctx, "old", clock.Add(-2*time.Hour)))
	require.NoError(t, s.Record(ctx, "fresh", *clock))
	_, err := s.Claim(ctx, "msg")
	require.NoError(t, err)

	*clock = clock.Add(10 * time.Minute)
	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, found, err := s.LastResponse(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = s.LastResponse(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
}
