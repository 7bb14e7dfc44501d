package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestCreate_RequiresRateLimiterOrLoadBalancer(t *testing.T) {
	_, err := Create(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoComponents)
}

func TestCreate_RequiresAtLeastOneTargetWhenLoadBalancerConfigured(t *testing.T) {
	_, err := Create(context.Background(), Config{
		LoadBalancer: &LoadBalancerConfig{},
	})
	require.Error(t, err)
}

func TestGateway_IPFilterShortCircuitsBeforeRateLimiter(t *testing.T) {
	// A blocked client IP must never reach the rate limiter, validator,
	// or load balancer stages.
	cfg := Config{
		RateLimiter: &RateLimiterConfig{WindowMs: 60000, MaxRequests: 100},
		Security: SecurityConfig{
			IPFilter: &IPFilterConfig{
				Mode:      "blacklist",
				Blacklist: []string{"203.0.113.42"},
			},
		},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer g.Destroy(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.42:1234"
	rec := httptest.NewRecorder()

	g.Middleware(echoHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "IP_BLOCKED")
}

func TestGateway_RateLimiterRefusesAfterLimit(t *testing.T) {
	cfg := Config{
		RateLimiter: &RateLimiterConfig{WindowMs: 60000, MaxRequests: 1},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer g.Destroy(context.Background())

	handler := g.Middleware(echoHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:1111"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusTeapot, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestGateway_ValidatorRunsBeforeBusinessRateLimiter(t *testing.T) {
	cfg := Config{
		RateLimiter: &RateLimiterConfig{WindowMs: 60000, MaxRequests: 100},
		Security: SecurityConfig{
			Validator: &ValidatorConfig{
				Query: []FieldRuleConfig{
					{Field: "name", Type: "string", Required: true},
				},
			},
		},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer g.Destroy(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:1111"
	rec := httptest.NewRecorder()

	g.Middleware(echoHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), "the rate limiter must not have run")
}

func TestGateway_DelegatesToHostHandlerWhenNoLoadBalancer(t *testing.T) {
	cfg := Config{
		RateLimiter: &RateLimiterConfig{WindowMs: 60000, MaxRequests: 100},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer g.Destroy(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:1111"
	rec := httptest.NewRecorder()

	g.Middleware(echoHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestGateway_BadGatewayWhenTargetUnreachable(t *testing.T) {
	cfg := Config{
		LoadBalancer: &LoadBalancerConfig{
			Targets: []TargetConfig{{Host: "127.0.0.1", Port: 1}},
			CircuitBreaker: &CircuitBreakerConfig{
				FailureThreshold: 1,
				MinimumRequests:  1,
			},
		},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer g.Destroy(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:1111"
	rec := httptest.NewRecorder()

	g.Middleware(echoHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGateway_DestroyIsIdempotent(t *testing.T) {
	cfg := Config{
		RateLimiter: &RateLimiterConfig{WindowMs: 60000, MaxRequests: 100},
	}

	g, err := Create(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, g.Destroy(ctx))
	require.NoError(t, g.Destroy(ctx))
}
