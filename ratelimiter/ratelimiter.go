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

// Package ratelimiter implements fixed-window admission control over
// a counterstore.Store, plus a second flavor built for anti-abuse
// blocking (see security.go). Both flavors are fail-open: a counter
// store error is logged and treated as an allow.
package ratelimiter

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/counterstore"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
)

type (
	// Option configures a Limiter during construction.
	Option func(l *Limiter)

	// KeyFunc derives the rate-limit partition key from a request,
	// e.g. client IP, API key, or tenant ID.
	KeyFunc func(r *http.Request) string

	// SkipFunc reports whether a request should bypass the limiter
	// entirely; when true the counter is not touched and the verdict
	// is always allow.
	SkipFunc func(r *http.Request) bool

	// Policy is the fixed-window configuration: a window, a ceiling,
	// and the request classifiers.
	Policy struct {
		// Window is the fixed-window duration ("windowMs" in the
		// nested configuration mapping).
		Window time.Duration

		// MaxRequests is the ceiling admitted per window per key.
		MaxRequests int

		// Message overrides the refusal body's "message" field.
		Message string

		// StatusCode overrides the refusal status, default 429.
		StatusCode int

		// Headers controls whether X-RateLimit-* headers are set on
		// admitted and refused responses alike. Defaults to true; pass
		// a pointer to false to disable (a plain bool field cannot
		// distinguish "unset" from "explicitly false").
		Headers *bool

		KeyFunc  KeyFunc
		SkipFunc SkipFunc
	}

	// Verdict is the outcome of a single admission check. It is
	// derived per request and never stored.
	Verdict struct {
		Allowed   bool
		Limit     int
		Remaining int
		ResetAt   time.Time
		Window    time.Duration
	}

	// Limiter is a fixed-window rate limiter backed by a
	// counterstore.Store.
	Limiter struct {
		store  counterstore.Store
		policy Policy
		logger *log.Logger
		tracer trace.Tracer

		requestsTotal *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
	}
)

const tracerName = "go.gearno.de/gateway/ratelimiter"

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimiter")
	}
}

// WithTracerProvider configures the tracer used on the Check
// suspension point.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers this limiter's metrics against r instead
// of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

func defaultKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewLimiter creates a fixed-window limiter over store. A zero-value
// field in policy is replaced with its documented default.
func NewLimiter(store counterstore.Store, policy Policy, options ...Option) *Limiter {
	if policy.KeyFunc == nil {
		policy.KeyFunc = defaultKeyFunc
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if policy.StatusCode == 0 {
		policy.StatusCode = http.StatusTooManyRequests
	}
	if policy.Message == "" {
		policy.Message = "too many requests, please try again later"
	}
	if policy.Headers == nil {
		emit := true
		policy.Headers = &emit
	}

	l := &Limiter{
		store:  store,
		policy: policy,
		logger: log.NewLogger(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimiter",
			Name:      "requests_total",
			Help:      "Total number of fixed-window rate limit checks.",
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimiter",
			Name:      "check_duration_seconds",
			Help:      "Duration of fixed-window rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// Check classifies r as admitted or refused against the limiter's
// policy: the window index is floor(now/window), the counter key is
// "{keyFn(r)}:{windowIndex}", and the verdict is allowed =
// newValue <= maxRequests.
func (l *Limiter) Check(ctx context.Context, r *http.Request) (*Verdict, error) {
	now := time.Now()
	windowIndex := now.UnixMilli() / l.policy.Window.Milliseconds()
	resetAt := time.UnixMilli((windowIndex + 1) * l.policy.Window.Milliseconds())

	if l.policy.SkipFunc != nil && l.policy.SkipFunc(r) {
		return &Verdict{
			Allowed:   true,
			Limit:     l.policy.MaxRequests,
			Remaining: l.policy.MaxRequests,
			ResetAt:   resetAt,
			Window:    l.policy.Window,
		}, nil
	}

	start := now

	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimiter.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int("ratelimiter.max_requests", l.policy.MaxRequests),
				attribute.Int64("ratelimiter.window_ms", l.policy.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	counterKey := fmt.Sprintf("%s:%d", l.policy.KeyFunc(r), windowIndex)

	value, err := l.store.Increment(ctx, counterKey, l.policy.Window)
	if err != nil {
		// Fail open: a counter-store error must never block traffic.
		l.logger.ErrorCtx(ctx, "counter store error, failing open",
			log.Error(err),
			log.String("key", counterKey),
		)
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		l.recordMetrics(true, time.Since(start))
		return &Verdict{
			Allowed:   true,
			Limit:     l.policy.MaxRequests,
			Remaining: l.policy.MaxRequests,
			ResetAt:   resetAt,
			Window:    l.policy.Window,
		}, nil
	}

	allowed := value <= int64(l.policy.MaxRequests)
	remaining := l.policy.MaxRequests - int(value)
	if remaining < 0 {
		remaining = 0
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimiter.allowed", allowed),
			attribute.Int64("ratelimiter.value", value),
			attribute.Int("ratelimiter.remaining", remaining),
		)
	}

	l.recordMetrics(allowed, time.Since(start))

	return &Verdict{
		Allowed:   allowed,
		Limit:     l.policy.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
		Window:    l.policy.Window,
	}, nil
}

func (l *Limiter) recordMetrics(allowed bool, d time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}
	l.requestsTotal.WithLabelValues(allowedStr).Inc()
	l.checkDuration.WithLabelValues(allowedStr).Observe(d.Seconds())
}

func (v *Verdict) setHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", v.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", v.Remaining))
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", v.ResetAt.UnixMilli()))
	h.Set("X-RateLimit-Window", fmt.Sprintf("%d", v.Window.Milliseconds()))
}

type refusalBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// Middleware returns an http.Handler that enforces this limiter ahead
// of next, short-circuiting with the configured status code and a
// {error, message, retryAfter} body on refusal.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict, err := l.Check(r.Context(), r)
		if err != nil {
			// Check is fail-open and does not itself return errors for
			// store failures; any error here is a programming error in
			// a custom KeyFunc/SkipFunc.
			l.logger.ErrorCtx(r.Context(), "rate limit check failed", log.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if *l.policy.Headers {
			verdict.setHeaders(w.Header())
		}

		if verdict.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int64(math.Ceil(time.Until(verdict.ResetAt).Seconds()))
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))

		respond.JSON(w, l.policy.StatusCode, refusalBody{
			Error:      "rate_limit_exceeded",
			Message:    l.policy.Message,
			RetryAfter: retryAfter,
		})
	})
}
