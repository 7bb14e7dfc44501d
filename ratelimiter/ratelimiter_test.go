package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/gateway/counterstore"
)

func fixedKeyFunc(key string) KeyFunc {
	return func(*http.Request) string { return key }
}

// failingStore simulates an unreachable remote counter store so
// callers can assert fail-open behavior.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, counterstore.ErrUnavailable
}
func (failingStore) Set(context.Context, string, int64, time.Duration) error {
	return counterstore.ErrUnavailable
}
func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("counterstore: backend unavailable")
}
func (failingStore) Clear(context.Context) error          { return counterstore.ErrUnavailable }
func (failingStore) IsHealthy(context.Context) bool { return false }

func TestLimiter_LimitBoundary(t *testing.T) {
	// Limit boundary: window=60s, maxRequests=3, same client.
	store := counterstore.NewMemoryStore()
	l := NewLimiter(store, Policy{
		Window:      time.Minute,
		MaxRequests: 3,
		KeyFunc:     fixedKeyFunc("client-a"),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	for i, wantRemaining := range []int{2, 1, 0} {
		v, err := l.Check(req.Context(), req)
		require.NoError(t, err)
		assert.Truef(t, v.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, wantRemaining, v.Remaining)
	}

	v, err := l.Check(req.Context(), req)
	require.NoError(t, err)
	assert.False(t, v.Allowed, "fourth request within the window should be refused")
	assert.Zero(t, v.Remaining)
}

func TestLimiter_SkipFuncBypassesCounter(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewLimiter(store, Policy{
		Window:      time.Minute,
		MaxRequests: 1,
		KeyFunc:     fixedKeyFunc("client-a"),
		SkipFunc:    func(*http.Request) bool { return true },
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	for i := 0; i < 5; i++ {
		v, err := l.Check(req.Context(), req)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	}

	counterKey := fmt.Sprintf("client-a:%d", time.Now().UnixMilli()/time.Minute.Milliseconds())
	_, found, err := store.Get(req.Context(), counterKey)
	require.NoError(t, err)
	assert.False(t, found, "a skipped request must not touch the counter")
}

func TestLimiter_MiddlewareRefusesWith429AndHeaders(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewLimiter(store, Policy{
		Window:      time.Minute,
		MaxRequests: 1,
		KeyFunc:     fixedKeyFunc("client-a"),
	})

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, "1", rec1.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec1.Header().Get("X-RateLimit-Remaining"))

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
	assert.Contains(t, rec2.Body.String(), "rate_limit_exceeded")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{}, Policy{
		Window:      time.Minute,
		MaxRequests: 1,
		KeyFunc:     fixedKeyFunc("client-a"),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	v, err := l.Check(req.Context(), req)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "a counter store error must fail open")
}

func TestLimiter_NewWindowResetsCount(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewLimiter(store, Policy{
		Window:      20 * time.Millisecond,
		MaxRequests: 1,
		KeyFunc:     fixedKeyFunc("client-a"),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	v, err := l.Check(req.Context(), req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	v, err = l.Check(req.Context(), req)
	require.NoError(t, err)
	assert.False(t, v.Allowed)

	time.Sleep(40 * time.Millisecond)

	v, err = l.Check(req.Context(), req)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "a new window must admit the request again")
}
