package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RequiredAndMinLength(t *testing.T) {
	// Required string field with a minimum length.
	minLen := 2
	v := New(Config{
		Body: []FieldRule{
			{Field: "name", Type: TypeString, Required: true, MinLength: &minLen},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)

	result := v.Validate(req, map[string]any{}, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "name", result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "required")

	result = v.Validate(req, map[string]any{"name": "X"}, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "at least 2 characters")

	result = v.Validate(req, map[string]any{"name": "Ada"}, nil)
	assert.Empty(t, result.Errors)
}

func TestValidator_MissingNotRequiredIsAccepted(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{Field: "nickname", Type: TypeString}},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	result := v.Validate(req, map[string]any{}, nil)
	assert.Empty(t, result.Errors)
}

func TestValidator_NumberCoercion(t *testing.T) {
	v := New(Config{
		Query: []FieldRule{{Field: "page", Type: TypeNumber, Required: true}},
	})

	req := httptest.NewRequest(http.MethodGet, "/?page=42", nil)
	result := v.Validate(req, nil, nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, float64(42), result.Sanitized["query"]["page"])

	req = httptest.NewRequest(http.MethodGet, "/?page=notanumber", nil)
	result = v.Validate(req, nil, nil)
	require.Len(t, result.Errors, 1)
}

func TestValidator_BooleanCoercion(t *testing.T) {
	v := New(Config{
		Query: []FieldRule{{Field: "active", Type: TypeBoolean}},
	})

	req := httptest.NewRequest(http.MethodGet, "/?active=true", nil)
	result := v.Validate(req, nil, nil)
	require.Empty(t, result.Errors)
	assert.Equal(t, true, result.Sanitized["query"]["active"])
}

func TestValidator_StrictModeRejectsUnknownFields(t *testing.T) {
	v := New(Config{
		StrictMode: true,
		Body:       []FieldRule{{Field: "name", Type: TypeString}},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	result := v.Validate(req, map[string]any{"name": "Ada", "extra": "nope"}, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "extra", result.Errors[0].Field)
}

func TestValidator_AllowedValues(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{Field: "role", Type: TypeString, AllowedValues: []string{"admin", "user"}}},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	result := v.Validate(req, map[string]any{"role": "root"}, nil)
	require.Len(t, result.Errors, 1)

	result = v.Validate(req, map[string]any{"role": "admin"}, nil)
	assert.Empty(t, result.Errors)
}

func TestValidator_Sanitization(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{Field: "bio", Type: TypeString, Sanitize: true}},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	result := v.Validate(req, map[string]any{"bio": "  <script>alert('x')</script>  "}, nil)
	require.Empty(t, result.Errors)
	assert.NotContains(t, result.Sanitized["body"]["bio"], "<script>")
	assert.Equal(t, strings.TrimSpace(result.Sanitized["body"]["bio"].(string)), result.Sanitized["body"]["bio"])
}

func TestValidator_ContentTypeGate(t *testing.T) {
	v := New(Config{})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/xml")
	result := v.Validate(req, map[string]any{}, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "content-type", result.Errors[0].Field)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	result = v.Validate(req, map[string]any{}, nil)
	assert.Empty(t, result.Errors)
}

func TestValidator_CustomFunc(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{
			Field: "password",
			Type:  TypeString,
			CustomFn: func(value any) (bool, string) {
				s, _ := value.(string)
				if len(s) < 8 {
					return false, "password must be at least 8 characters"
				}
				return true, ""
			},
		}},
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	result := v.Validate(req, map[string]any{"password": "short"}, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "8 characters")
}

func TestValidator_MiddlewareRefusesWith400(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{Field: "name", Type: TypeString, Required: true}},
	})

	handler := v.Middleware(JSONBodyExtractor(0), nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestValidator_MiddlewareAppliesSanitizedValues(t *testing.T) {
	// Sanitized query values replace the originals before the request
	// is forwarded, and the cleaned body map is reachable downstream.
	v := New(Config{
		Query: []FieldRule{{Field: "q", Type: TypeString, Sanitize: true}},
		Body:  []FieldRule{{Field: "bio", Type: TypeString, Sanitize: true}},
	})

	var seenQuery string
	var seenBody map[string]any
	handler := v.Middleware(JSONBodyExtractor(0), nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
		seenBody, _ = SanitizedBody(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/?q=%3Cb%3Ehi%3C%2Fb%3E", strings.NewReader(`{"bio":"<script>x</script>"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, seenQuery, "<b>")
	assert.NotContains(t, seenBody["bio"], "<script>")
}

func TestValidator_StrictModeIgnoresLocationsWithoutRules(t *testing.T) {
	v := New(Config{
		StrictMode: true,
		Body:       []FieldRule{{Field: "name", Type: TypeString}},
	})

	// The request's own headers (Host, Content-Type, ...) are not
	// listed anywhere; strict mode must not reject them.
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/json")

	result := v.Validate(req, map[string]any{"name": "Ada"}, nil)
	assert.Empty(t, result.Errors)
}

func TestValidator_MiddlewareAdmitsValidBody(t *testing.T) {
	v := New(Config{
		Body: []FieldRule{{Field: "name", Type: TypeString, Required: true}},
	})

	handler := v.Middleware(JSONBodyExtractor(0), nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ada"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
