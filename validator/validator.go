// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package validator implements a declarative per-location field
// validator. It does not parse the request body itself — parsing
// stays a host concern — so Validate accepts the body and path
// params as already-decoded maps; JSONBodyExtractor is offered as an
// optional convenience for hosts that want the common case wired for
// them.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"go.gearno.de/gateway/internal/otelutils"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/log"
)

type (
	// FieldType is one of the seven value kinds a FieldRule validates.
	FieldType string

	// CustomFunc implements the "custom" FieldType: it receives the
	// already-coerced value and returns ok, or false with a message.
	CustomFunc func(value any) (bool, string)

	// FieldRule declares one field's validation and sanitization
	// policy within a location.
	FieldRule struct {
		Field    string
		Type     FieldType
		Required bool

		MinLength *int
		MaxLength *int
		Min       *float64
		Max       *float64

		Pattern       *regexp.Regexp
		CustomFn      CustomFunc
		Sanitize      bool
		AllowedValues []string
	}

	// FieldError is one validation failure.
	FieldError struct {
		Field    string `json:"field"`
		Location string `json:"location"`
		Message  string `json:"message"`
	}

	// Config is the declarative policy handed to New.
	Config struct {
		Headers []FieldRule
		Query   []FieldRule
		Body    []FieldRule
		Params  []FieldRule

		// StrictMode rejects any field present in a validated
		// location that is not named by one of its FieldRules.
		StrictMode bool

		// AllowedContentTypes gates non-GET/HEAD requests; a declared
		// Content-Type must prefix-match one of these. Defaults to
		// JSON, form-urlencoded, text, and multipart.
		AllowedContentTypes []string

		// MaxBodySize is advisory; enforced only by JSONBodyExtractor,
		// never by Validate itself (the body is already a map by the
		// time Validate sees it).
		MaxBodySize int64

		// SanitizeInput sanitizes every string field regardless of its
		// own Sanitize flag.
		SanitizeInput bool
	}

	// Result is the outcome of validating one request.
	Result struct {
		Errors []FieldError

		// Sanitized holds, per location, the coerced and (if enabled)
		// sanitized values that should replace the originals before
		// forwarding.
		Sanitized map[string]map[string]any
	}

	// Option configures a Validator during construction.
	Option func(v *Validator)

	// Validator evaluates requests against a Config.
	Validator struct {
		cfg    Config
		logger *log.Logger

		checksTotal      *prometheus.CounterVec
		fieldErrorsTotal *prometheus.CounterVec
	}
)

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeEmail   FieldType = "email"
	TypeURL     FieldType = "url"
	TypeJSON    FieldType = "json"
	TypeCustom  FieldType = "custom"
)

var defaultAllowedContentTypes = []string{
	"application/json",
	"application/x-www-form-urlencoded",
	"text/",
	"multipart/form-data",
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// WithLogger sets the logger used for diagnostic messages.
func WithLogger(l *log.Logger) Option {
	return func(v *Validator) {
		v.logger = l.Named("validator")
	}
}

// WithRegisterer registers this validator's metrics against r instead
// of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(v *Validator) {
		v.registerMetrics(r)
	}
}

// New compiles cfg into a Validator.
func New(cfg Config, options ...Option) *Validator {
	v := &Validator{cfg: cfg, logger: log.NewLogger()}

	v.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(v)
	}
	return v
}

func (v *Validator) registerMetrics(r prometheus.Registerer) {
	v.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "validator",
			Name:      "checks_total",
			Help:      "Total number of validated requests, by outcome.",
		},
		[]string{"valid"},
	)
	if err := r.Register(v.checksTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v.checksTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	v.fieldErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "validator",
			Name:      "field_errors_total",
			Help:      "Total number of field validation failures, by location.",
		},
		[]string{"location"},
	)
	if err := r.Register(v.fieldErrorsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v.fieldErrorsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Validate runs every configured location's rules against r's headers
// and query string, plus the caller-supplied body and params maps.
func (v *Validator) Validate(r *http.Request, body, params map[string]any) *Result {
	result := &Result{Sanitized: make(map[string]map[string]any, 4)}

	if msg := v.checkContentType(r); msg != "" {
		result.Errors = append(result.Errors, FieldError{
			Field: "content-type", Location: "headers", Message: msg,
		})
	}

	headerValues := make(map[string]any, len(r.Header))
	for k, vv := range r.Header {
		if len(vv) > 0 {
			headerValues[k] = vv[0]
		}
	}
	sanitized, errs := v.validateLocation("headers", v.cfg.Headers, headerValues)
	result.Sanitized["headers"] = sanitized
	result.Errors = append(result.Errors, errs...)

	queryValues := make(map[string]any, len(r.URL.Query()))
	for k, vv := range r.URL.Query() {
		if len(vv) > 0 {
			queryValues[k] = vv[0]
		}
	}
	sanitized, errs = v.validateLocation("query", v.cfg.Query, queryValues)
	result.Sanitized["query"] = sanitized
	result.Errors = append(result.Errors, errs...)

	if body == nil {
		body = map[string]any{}
	}
	sanitized, errs = v.validateLocation("body", v.cfg.Body, body)
	result.Sanitized["body"] = sanitized
	result.Errors = append(result.Errors, errs...)

	if params == nil {
		params = map[string]any{}
	}
	sanitized, errs = v.validateLocation("params", v.cfg.Params, params)
	result.Sanitized["params"] = sanitized
	result.Errors = append(result.Errors, errs...)

	valid := "true"
	if len(result.Errors) > 0 {
		valid = "false"
	}
	v.checksTotal.WithLabelValues(valid).Inc()
	for _, e := range result.Errors {
		v.fieldErrorsTotal.WithLabelValues(e.Location).Inc()
	}

	return result
}

func (v *Validator) validateLocation(location string, rules []FieldRule, values map[string]any) (map[string]any, []FieldError) {
	ruleByField := make(map[string]FieldRule, len(rules))
	for _, r := range rules {
		ruleByField[r.Field] = r
	}

	sanitized := make(map[string]any, len(values))
	for k, val := range values {
		sanitized[k] = val
	}

	var errs []FieldError

	// Strict mode only polices locations that declare rules; a request
	// always carries headers the configuration never lists.
	if v.cfg.StrictMode && len(rules) > 0 {
		for k := range values {
			if _, ok := ruleByField[k]; !ok {
				errs = append(errs, FieldError{Field: k, Location: location, Message: fmt.Sprintf("%s is not an allowed field", k)})
			}
		}
	}

	for _, rule := range rules {
		raw, present := values[rule.Field]
		if !present {
			if rule.Required {
				errs = append(errs, FieldError{Field: rule.Field, Location: location, Message: fmt.Sprintf("%s is required", rule.Field)})
			}
			continue
		}

		value, errMsg := coerce(rule.Type, raw)
		if errMsg != "" {
			errs = append(errs, FieldError{Field: rule.Field, Location: location, Message: fmt.Sprintf("%s %s", rule.Field, errMsg)})
			continue
		}

		if msg := checkConstraints(rule, value); msg != "" {
			errs = append(errs, FieldError{Field: rule.Field, Location: location, Message: msg})
			continue
		}

		if rule.CustomFn != nil {
			if ok, msg := rule.CustomFn(value); !ok {
				if msg == "" {
					msg = fmt.Sprintf("%s is invalid", rule.Field)
				}
				errs = append(errs, FieldError{Field: rule.Field, Location: location, Message: msg})
				continue
			}
		}

		if rule.Sanitize || v.cfg.SanitizeInput {
			if s, ok := value.(string); ok {
				value = sanitizeString(s)
			}
		}

		sanitized[rule.Field] = value
	}

	return sanitized, errs
}

func coerce(t FieldType, raw any) (any, string) {
	switch t {
	case TypeNumber:
		switch val := raw.(type) {
		case float64:
			return val, ""
		case int:
			return float64(val), ""
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, "must be a number"
			}
			return f, ""
		default:
			return nil, "must be a number"
		}

	case TypeBoolean:
		switch val := raw.(type) {
		case bool:
			return val, ""
		case string:
			switch val {
			case "true":
				return true, ""
			case "false":
				return false, ""
			default:
				return nil, "must be a boolean"
			}
		default:
			return nil, "must be a boolean"
		}

	case TypeEmail:
		s, ok := raw.(string)
		if !ok || !emailPattern.MatchString(s) {
			return nil, "must be a valid email address"
		}
		return s, ""

	case TypeURL:
		s, ok := raw.(string)
		if !ok {
			return nil, "must be a valid url"
		}
		parsed, err := url.ParseRequestURI(s)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, "must be a valid url"
		}
		return s, ""

	case TypeJSON:
		switch val := raw.(type) {
		case string:
			var parsed any
			if err := json.Unmarshal([]byte(val), &parsed); err != nil {
				return nil, "must be valid json"
			}
			return parsed, ""
		default:
			return val, ""
		}

	case TypeCustom:
		return raw, ""

	default: // TypeString and unset
		if s, ok := raw.(string); ok {
			return s, ""
		}
		return fmt.Sprintf("%v", raw), ""
	}
}

func checkConstraints(rule FieldRule, value any) string {
	if s, ok := value.(string); ok {
		if rule.MinLength != nil && len(s) < *rule.MinLength {
			return fmt.Sprintf("%s must be at least %d characters", rule.Field, *rule.MinLength)
		}
		if rule.MaxLength != nil && len(s) > *rule.MaxLength {
			return fmt.Sprintf("%s must be at most %d characters", rule.Field, *rule.MaxLength)
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
			return fmt.Sprintf("%s does not match the required pattern", rule.Field)
		}
		if len(rule.AllowedValues) > 0 && !containsString(rule.AllowedValues, s) {
			return fmt.Sprintf("%s must be one of %s", rule.Field, strings.Join(rule.AllowedValues, ", "))
		}
	}

	if f, ok := value.(float64); ok {
		if rule.Min != nil && f < *rule.Min {
			return fmt.Sprintf("%s must be at least %v", rule.Field, *rule.Min)
		}
		if rule.Max != nil && f > *rule.Max {
			return fmt.Sprintf("%s must be at most %v", rule.Field, *rule.Max)
		}
	}

	return ""
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

func sanitizeString(s string) string {
	s = otelutils.ToValidUTF8(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(htmlEscaper.Replace(b.String()))
}

func (v *Validator) checkContentType(r *http.Request) string {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return ""
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}

	mediaType := ct
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		mediaType = ct[:i]
	}
	mediaType = strings.TrimSpace(mediaType)

	allowed := v.cfg.AllowedContentTypes
	if len(allowed) == 0 {
		allowed = defaultAllowedContentTypes
	}

	for _, a := range allowed {
		if strings.HasPrefix(mediaType, a) {
			return ""
		}
	}

	return fmt.Sprintf("unsupported content-type %q", ct)
}

type validationRefusalBody struct {
	Error  string       `json:"error"`
	Code   string       `json:"code"`
	Errors []FieldError `json:"errors"`
}

// Middleware validates the request ahead of next, calling bodyFn and
// paramsFn (either may be nil) to obtain the body/params maps to
// validate. On any validation error it refuses with HTTP 400.
func (v *Validator) Middleware(bodyFn BodyExtractor, paramsFn ParamsExtractor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if bodyFn != nil {
			b, err := bodyFn(r)
			if err != nil {
				respond.JSON(w, http.StatusBadRequest, validationRefusalBody{
					Error: "Validation Error",
					Code:  "VALIDATION_ERROR",
					Errors: []FieldError{
						{Field: "body", Location: "body", Message: "request body could not be parsed"},
					},
				})
				return
			}
			body = b
		}

		var params map[string]any
		if paramsFn != nil {
			params = paramsFn(r)
		}

		result := v.Validate(r, body, params)
		if len(result.Errors) > 0 {
			respond.JSON(w, http.StatusBadRequest, validationRefusalBody{
				Error:  "Validation Error",
				Code:   "VALIDATION_ERROR",
				Errors: result.Errors,
			})
			return
		}

		v.applySanitized(r, result)
		if bodyFn != nil {
			r = r.WithContext(context.WithValue(r.Context(), sanitizedBodyKey{}, result.Sanitized["body"]))
		}

		next.ServeHTTP(w, r)
	})
}

type sanitizedBodyKey struct{}

// SanitizedBody returns the body map Middleware validated, with
// coerced and sanitized values applied, for handlers that want the
// cleaned values without re-parsing r.Body.
func SanitizedBody(ctx context.Context) (map[string]any, bool) {
	body, ok := ctx.Value(sanitizedBodyKey{}).(map[string]any)
	return body, ok
}

// applySanitized writes the cleaned string values for rule-listed
// fields back onto the request's headers and query string, so
// whatever runs after the validator sees them instead of the raw
// input.
func (v *Validator) applySanitized(r *http.Request, result *Result) {
	for _, rule := range v.cfg.Headers {
		if s, ok := result.Sanitized["headers"][rule.Field].(string); ok {
			r.Header.Set(rule.Field, s)
		}
	}

	if len(v.cfg.Query) == 0 {
		return
	}

	q := r.URL.Query()
	changed := false
	for _, rule := range v.cfg.Query {
		if s, ok := result.Sanitized["query"][rule.Field].(string); ok && q.Get(rule.Field) != s {
			q.Set(rule.Field, s)
			changed = true
		}
	}
	if changed {
		r.URL.RawQuery = q.Encode()
	}
}
