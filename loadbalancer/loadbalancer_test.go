package loadbalancer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/gateway/breaker"
)

func targetFromServer(t *testing.T, s *httptest.Server) Target {
	t.Helper()
	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Target{Host: host, Port: port, Scheme: "http"}
}

func TestBalancer_RoundRobinFairness(t *testing.T) {
	// Over N selections against a stable healthy subset of size S (no
	// health checker configured, so every target is always healthy),
	// each target is picked floor(N/S) or ceil(N/S) times.
	targets := []Target{
		{Host: "a", Port: 1, Scheme: "http"},
		{Host: "b", Port: 2, Scheme: "http"},
		{Host: "c", Port: 3, Scheme: "http"},
	}
	b := New(targets)

	counts := map[Target]int{}
	const n = 100
	for i := 0; i < n; i++ {
		target, err := b.SelectNext()
		require.NoError(t, err)
		counts[target]++
	}

	for _, tgt := range targets {
		c := counts[tgt]
		assert.GreaterOrEqual(t, c, n/len(targets))
		assert.LessOrEqual(t, c, n/len(targets)+1)
	}
}

func TestBalancer_ConcurrentSelectionsPickDistinctTargets(t *testing.T) {
	// Two concurrent selections against a healthy subset of size > 1
	// must advance the shared cursor atomically and land on different
	// targets.
	targets := []Target{
		{Host: "a", Port: 1, Scheme: "http"},
		{Host: "b", Port: 2, Scheme: "http"},
	}
	b := New(targets)

	var wg sync.WaitGroup
	results := make([]Target, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			target, err := b.SelectNext()
			require.NoError(t, err)
			results[i] = target
		}()
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1])
}

func TestBalancer_SkipsOpenBreakerInRotation(t *testing.T) {
	targets := []Target{
		{Host: "a", Port: 1, Scheme: "http"},
		{Host: "b", Port: 2, Scheme: "http"},
	}
	b := New(targets, WithBreakerPolicy(breaker.Policy{
		FailureThreshold: 1,
		MinimumRequests:  1,
	}))

	// Force target "a"'s breaker open; every subsequent selection must
	// land on "b".
	b.breakers[targets[0]].ForceOpen()

	for i := 0; i < 4; i++ {
		target, err := b.SelectNext()
		require.NoError(t, err)
		assert.Equal(t, targets[1], target)
	}
}

func TestBalancer_NoHealthyServersWhenAllBreakersOpen(t *testing.T) {
	targets := []Target{
		{Host: "a", Port: 1, Scheme: "http"},
		{Host: "b", Port: 2, Scheme: "http"},
	}
	b := New(targets, WithBreakerPolicy(breaker.Policy{
		FailureThreshold: 1,
		MinimumRequests:  1,
	}))

	for _, tgt := range targets {
		b.breakers[tgt].ForceOpen()
	}

	_, err := b.SelectNext()
	assert.ErrorIs(t, err, ErrNoHealthyServers)
}

func TestBalancer_RecordRequestAccumulatesStats(t *testing.T) {
	target := Target{Host: "a", Port: 1, Scheme: "http"}
	b := New([]Target{target})

	b.RecordRequest(target, true, 10*time.Millisecond)
	b.RecordRequest(target, false, 20*time.Millisecond)

	stats := b.Stats()[target]
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 30*time.Millisecond, stats.TotalLatency)
}

func TestBalancer_MiddlewareProxiesToSelectedTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	target := targetFromServer(t, upstream)
	b := New([]Target{target})

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	b.Middleware().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))

	stats := b.Stats()[target]
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)
}

func TestBalancer_MiddlewareRecordsFailureOnUpstream5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	target := targetFromServer(t, upstream)
	b := New([]Target{target})

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	b.Middleware().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	stats := b.Stats()[target]
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestBalancer_MiddlewareReturnsServiceUnavailableWhenNoTargets(t *testing.T) {
	targets := []Target{{Host: "a", Port: 1, Scheme: "http"}}
	b := New(targets, WithBreakerPolicy(breaker.Policy{
		FailureThreshold: 1,
		MinimumRequests:  1,
	}))
	b.breakers[targets[0]].ForceOpen()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	b.Middleware().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_HEALTHY_SERVERS")
}

func TestBalancer_ExecuteSkipsFnWhenBreakerOpen(t *testing.T) {
	target := Target{Host: "a", Port: 1, Scheme: "http"}
	b := New([]Target{target}, WithBreakerPolicy(breaker.Policy{
		FailureThreshold: 1,
		MinimumRequests:  1,
	}))
	b.breakers[target].ForceOpen()

	var ran bool
	err := b.Execute(context.Background(), target, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, ran)

	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
}

var errBoom = errors.New("boom")

func TestBalancer_ExecutePropagatesFnError(t *testing.T) {
	target := Target{Host: "a", Port: 1, Scheme: "http"}
	b := New([]Target{target})

	err := b.Execute(context.Background(), target, func(ctx context.Context) error {
		return errBoom
	})

	assert.ErrorIs(t, err, errBoom)

	stats := b.Stats()[target]
	assert.Equal(t, int64(1), stats.Failures)
}
