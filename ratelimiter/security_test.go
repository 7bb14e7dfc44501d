package ratelimiter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/gateway/counterstore"
)

func TestSecurityLimiter_TripsAfterMaxAttempts(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewSecurityLimiter(store, SecurityPolicy{
		MaxAttempts:   3,
		AttemptWindow: time.Minute,
		BlockDuration: time.Hour,
	})

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := l.RecordFailure(ctx, "ip-a")
		require.NoError(t, err)
		assert.False(t, v.Blocked)
	}

	v, err := l.RecordFailure(ctx, "ip-a")
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.True(t, v.BlockUntil.After(time.Now()))

	status, err := l.Status(ctx, "ip-a")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
}

func TestSecurityLimiter_RecordSuccessResetsAttempts(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewSecurityLimiter(store, SecurityPolicy{
		MaxAttempts:   3,
		AttemptWindow: time.Minute,
		BlockDuration: time.Hour,
	})
	ctx := context.Background()

	_, err := l.RecordFailure(ctx, "ip-a")
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, "ip-a")
	require.NoError(t, err)

	require.NoError(t, l.RecordSuccess(ctx, "ip-a"))

	v, err := l.RecordFailure(ctx, "ip-a")
	require.NoError(t, err)
	assert.False(t, v.Blocked, "attempts counter should restart from zero after a success")
	assert.Equal(t, int64(1), v.Attempts)
}

func TestSecurityLimiter_Unblock(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewSecurityLimiter(store, SecurityPolicy{
		MaxAttempts:   1,
		AttemptWindow: time.Minute,
		BlockDuration: time.Hour,
	})
	ctx := context.Background()

	v, err := l.RecordFailure(ctx, "ip-a")
	require.NoError(t, err)
	require.True(t, v.Blocked)

	require.NoError(t, l.Unblock(ctx, "ip-a"))

	time.Sleep(5 * time.Millisecond)

	status, err := l.Status(ctx, "ip-a")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestSecurityLimiter_MiddlewareRefusesBlockedKey(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewSecurityLimiter(store, SecurityPolicy{
		MaxAttempts:   1,
		AttemptWindow: time.Minute,
		BlockDuration: time.Hour,
	})
	ctx := context.Background()

	_, err := l.RecordFailure(ctx, "203.0.113.1")
	require.NoError(t, err)

	handler := l.Middleware(fixedKeyFunc("203.0.113.1"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "blockUntil")
}
