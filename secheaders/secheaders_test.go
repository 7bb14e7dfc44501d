package secheaders

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjector_DefaultsAppliedAndRemoval(t *testing.T) {
	inj := New(Policy{RemoveHeaders: []string{"X-Powered-By"}})

	handler := inj.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "test-framework")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "default-src 'self'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("X-Powered-By"), "handler-set header should be removed when the handler commits its status")
}

func TestInjector_HSTSOnlyWhenSecure(t *testing.T) {
	inj := New(Policy{HSTSMaxAgeSeconds: 3600})

	handler := inj.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "max-age=3600", rec.Header().Get("Strict-Transport-Security"))
}

func TestInjector_DisableHeaderWithEmptyValue(t *testing.T) {
	empty := ""
	inj := New(Policy{ContentSecurityPolicy: &empty})

	handler := inj.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestInjector_CustomHeadersApplied(t *testing.T) {
	inj := New(Policy{CustomHeaders: map[string]string{"X-Gateway": "v1"}})

	handler := inj.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "v1", rec.Header().Get("X-Gateway"))
}

func TestSecure_TLSOrForwardedProto(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, Secure(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, Secure(req))
}
