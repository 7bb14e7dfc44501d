package counterstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrementInitializesAndPreservesTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v, err := s.Increment(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Increment(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v, "ttl argument on a subsequent increment must not reset the counter")

	_, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryStore_GetMissingKey(t *testing.T) {
	s := NewMemoryStore()

	v, found, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, v)
}

func TestMemoryStore_ExpiredKeyResets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Increment(ctx, "a", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	v, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, v)

	v, err = s.Increment(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "an expired key must restart its counter at 1")
}

func TestMemoryStore_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "a", 41, time.Minute))
	v, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(41), v)

	require.NoError(t, s.Set(ctx, "a", 1, time.Minute))
	v, _, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Increment(ctx, "a", time.Minute)
	require.NoError(t, err)
	_, err = s.Increment(ctx, "b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	_, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_IsHealthy(t *testing.T) {
	s := NewMemoryStore()
	assert.True(t, s.IsHealthy(context.Background()))
}

func TestMemoryStore_IncrementConcurrentCallersAgree(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	v, found, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(n), v)
}

func TestMemoryStore_StartReaperEvictsExpiredEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryStore(WithReapInterval(5 * time.Millisecond))
	s.StartReaper(ctx)

	_, err := s.Increment(context.Background(), "a", time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := s.counters.Load("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
