package ipfilter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_HybridCIDRPriority(t *testing.T) {
	// Hybrid mode, whitelist CIDR vs. an exact-match user Block rule of
	// equal priority.
	f := New(Config{
		Mode:      Hybrid,
		Whitelist: []string{"203.0.113.0/24"},
		Rules: []Rule{
			{Pattern: "203.0.113.42", Action: Block, Priority: 100},
		},
	})

	v := f.Evaluate("203.0.113.42")
	assert.False(t, v.Allowed, "an exact Block rule must win over the whitelisted CIDR")

	v = f.Evaluate("203.0.113.7")
	assert.True(t, v.Allowed)

	v = f.Evaluate("198.51.100.1")
	assert.False(t, v.Allowed, "hybrid mode with no match defaults to block when a whitelist is present")
}

func TestFilter_WhitelistDefaultDeny(t *testing.T) {
	f := New(Config{
		Mode:      Whitelist,
		Whitelist: []string{"10.0.0.1"},
	})

	assert.True(t, f.Evaluate("10.0.0.1").Allowed)
	assert.False(t, f.Evaluate("10.0.0.2").Allowed)
}

func TestFilter_BlacklistDefaultAllow(t *testing.T) {
	f := New(Config{
		Mode:      Blacklist,
		Blacklist: []string{"10.0.0.1"},
	})

	assert.False(t, f.Evaluate("10.0.0.1").Allowed)
	assert.True(t, f.Evaluate("10.0.0.2").Allowed)
}

func TestFilter_LogActionAdmitsAndRecords(t *testing.T) {
	f := New(Config{
		Mode: Hybrid,
		Rules: []Rule{
			{Pattern: "10.0.0.1", Action: Log, Priority: 100},
		},
		DefaultAction: Allow,
	})

	v := f.Evaluate("10.0.0.1")
	assert.True(t, v.Allowed)
	assert.Equal(t, Log, v.Action)
}

func TestFilter_InvalidRuleSkippedNotFatal(t *testing.T) {
	f := New(Config{
		Mode: Blacklist,
		Rules: []Rule{
			{Pattern: "not-an-ip", Action: Block},
			{Pattern: "10.0.0.1", Action: Block},
		},
	})

	assert.False(t, f.Evaluate("10.0.0.1").Allowed)
	assert.True(t, f.Evaluate("10.0.0.2").Allowed)
}

func TestFilter_ClientIPTrustProxy(t *testing.T) {
	f := New(Config{Mode: Blacklist, TrustProxy: true})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 198.51.100.9")

	assert.Equal(t, "203.0.113.5", f.ClientIP(req))
}

func TestFilter_ClientIPFallsBackToSocketPeer(t *testing.T) {
	f := New(Config{Mode: Blacklist, TrustProxy: true})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "not-an-ip")

	assert.Equal(t, "192.0.2.1", f.ClientIP(req))
}

func TestFilter_ClientIPIgnoresHeadersWithoutTrustProxy(t *testing.T) {
	f := New(Config{Mode: Blacklist, TrustProxy: false})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	assert.Equal(t, "192.0.2.1", f.ClientIP(req))
}

func TestFilter_MiddlewareBlocksWith403(t *testing.T) {
	f := New(Config{Mode: Blacklist, Blacklist: []string{"192.0.2.1"}})

	handler := f.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "IP_BLOCKED")
}

func TestFilter_AddRuleRecompiles(t *testing.T) {
	f := New(Config{Mode: Blacklist})
	assert.True(t, f.Evaluate("10.0.0.5").Allowed)

	f.AddRule(Rule{Pattern: "10.0.0.5", Action: Block})
	assert.False(t, f.Evaluate("10.0.0.5").Allowed)

	f.RemoveRule("10.0.0.5")
	assert.True(t, f.Evaluate("10.0.0.5").Allowed)
}
