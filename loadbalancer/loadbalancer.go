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

// Package loadbalancer implements round-robin target selection over
// the healthy subset, plus the resilient variant that also skips
// targets whose breaker is Open. Selection uses an explicit bounded
// scan over the healthy subset rather than recursion, so a run of Open
// breakers can never grow the call stack.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/breaker"
	"go.gearno.de/gateway/healthcheck"
	"go.gearno.de/gateway/httpclient"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
)

// ErrNoHealthyServers is returned by SelectNext (and surfaced as a
// 503 by Middleware) when no target in the healthy subset is
// available.
var ErrNoHealthyServers = errors.New("loadbalancer: no healthy servers available")

type (
	// Target is a single proxy destination. Weight is reserved for a
	// future weighted-selection strategy; round-robin ignores it.
	Target struct {
		Host   string
		Port   int
		Scheme string
		Weight int
	}

	// Stats accumulates per-target request outcomes.
	Stats struct {
		Requests       int64
		Successes      int64
		Failures       int64
		TotalLatency   time.Duration
		LastSelectedAt time.Time
	}

	// Option configures a Balancer during construction.
	Option func(b *Balancer)

	// Balancer is a round-robin load balancer over an ordered target
	// list, each target guarded by its own circuit breaker and tracked
	// by an optional health checker.
	Balancer struct {
		targets      []Target
		proxyTimeout time.Duration
		checker      *healthcheck.Checker
		breakers     map[Target]*breaker.Breaker
		proxies      map[Target]*httputil.ReverseProxy
		transport    http.RoundTripper
		logger       *log.Logger
		tracer       trace.Tracer
		registerer   prometheus.Registerer

		cursor atomic.Uint64

		mu    sync.Mutex
		stats map[Target]*Stats

		selectionsTotal *prometheus.CounterVec
		proxyErrors     *prometheus.CounterVec
	}
)

const tracerName = "go.gearno.de/gateway/loadbalancer"

// WithLogger sets the logger used for proxy errors.
func WithLogger(l *log.Logger) Option {
	return func(b *Balancer) {
		b.logger = l.Named("loadbalancer")
	}
}

// WithTracerProvider configures the tracer used on proxied requests.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Balancer) {
		b.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers this balancer's metrics against r instead
// of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(b *Balancer) {
		b.registerer = r
		b.registerMetrics(r)
	}
}

// WithHealthChecker wires a started healthcheck.Checker in; targets
// it reports unhealthy are excluded from the healthy subset.
func WithHealthChecker(c *healthcheck.Checker) Option {
	return func(b *Balancer) {
		b.checker = c
	}
}

// WithBreakerPolicy configures every target's circuit breaker. When
// omitted, each target gets breaker.New's own defaults.
func WithBreakerPolicy(policy breaker.Policy) Option {
	return func(b *Balancer) {
		for _, t := range b.targets {
			p := policy
			p.ServiceName = targetKey(t)
			b.breakers[t] = breaker.New(p)
		}
	}
}

// WithProxyTimeout bounds how long a proxied round trip may take.
// Default 30s.
func WithProxyTimeout(d time.Duration) Option {
	return func(b *Balancer) {
		b.proxyTimeout = d
	}
}

func targetKey(t Target) string {
	return fmt.Sprintf("%s://%s:%d", t.Scheme, t.Host, t.Port)
}

// New creates a Balancer over targets, each starting with a default
// (never-tripped) circuit breaker. Apply WithBreakerPolicy or
// WithHealthChecker to wire those components in.
func New(targets []Target, options ...Option) *Balancer {
	b := &Balancer{
		proxyTimeout: 30 * time.Second,
		breakers:     make(map[Target]*breaker.Breaker, len(targets)),
		proxies:      make(map[Target]*httputil.ReverseProxy, len(targets)),
		stats:        make(map[Target]*Stats, len(targets)),
		logger:       log.NewLogger(),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		registerer:   prometheus.DefaultRegisterer,
	}

	for _, t := range targets {
		if t.Scheme == "" {
			t.Scheme = "http"
		}
		b.targets = append(b.targets, t)
		b.breakers[t] = breaker.New(breaker.Policy{ServiceName: targetKey(t)})
		b.stats[t] = &Stats{}
	}

	b.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(b)
	}

	b.transport = httpclient.DefaultPooledTransport(
		httpclient.WithLogger(b.logger),
		httpclient.WithRegisterer(b.registerer),
	)
	for _, t := range b.targets {
		b.proxies[t] = newReverseProxy(t, b.transport)
	}

	return b
}

type outcomeContextKey struct{}

// outcome is written by a reverse proxy's ErrorHandler/ModifyResponse
// hooks and read back by Balancer.Execute's fn, carrying the result of
// a proxied call out of httputil.ReverseProxy.ServeHTTP, which itself
// returns nothing.
type outcome struct {
	success bool
	err     error
}

func withOutcome(ctx context.Context, o *outcome) context.Context {
	return context.WithValue(ctx, outcomeContextKey{}, o)
}

func outcomeFromContext(ctx context.Context) *outcome {
	o, _ := ctx.Value(outcomeContextKey{}).(*outcome)
	return o
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		return v
	}
	return "http"
}

// newReverseProxy builds a single-target reverse proxy honoring a
// changeOrigin=true convention by rewriting the Host header to the
// target, and setting X-Forwarded-Proto; httputil.ReverseProxy itself
// appends the client address to X-Forwarded-For after the Director
// runs.
func newReverseProxy(t Target, transport http.RoundTripper) *httputil.ReverseProxy {
	target := &url.URL{Scheme: t.Scheme, Host: fmt.Sprintf("%s:%d", t.Host, t.Port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = transport

	baseDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		baseDirector(r)

		r.Host = target.Host
		r.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if o := outcomeFromContext(resp.Request.Context()); o != nil {
			o.success = resp.StatusCode < 500
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if o := outcomeFromContext(r.Context()); o != nil {
			o.success = false
			o.err = err
		}
		w.WriteHeader(http.StatusBadGateway)
	}

	return proxy
}

func (b *Balancer) registerMetrics(r prometheus.Registerer) {
	b.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "loadbalancer",
			Name:      "selections_total",
			Help:      "Total number of targets selected, by target.",
		},
		[]string{"target"},
	)
	if err := r.Register(b.selectionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			b.selectionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	b.proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "loadbalancer",
			Name:      "proxy_errors_total",
			Help:      "Total number of proxied requests that errored or returned 5xx, by target.",
		},
		[]string{"target"},
	)
	if err := r.Register(b.proxyErrors); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			b.proxyErrors = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// healthySubset returns the ordered subset of targets the health
// checker (if any) currently reports healthy.
func (b *Balancer) healthySubset() []Target {
	if b.checker == nil {
		return b.targets
	}

	subset := make([]Target, 0, len(b.targets))
	for _, t := range b.targets {
		if b.checker.IsHealthy(healthcheck.Target{Host: t.Host, Port: t.Port}) {
			subset = append(subset, t)
		}
	}
	return subset
}

// SelectNext returns the next target in rotation order from the
// healthy subset whose breaker is not Open, advancing the cursor once
// per candidate examined. It scans at most len(subset) candidates,
// never recursing, and
// returns ErrNoHealthyServers if none qualify.
func (b *Balancer) SelectNext() (Target, error) {
	subset := b.healthySubset()
	if len(subset) == 0 {
		return Target{}, ErrNoHealthyServers
	}

	for i := 0; i < len(subset); i++ {
		idx := b.cursor.Add(1) - 1
		t := subset[idx%uint64(len(subset))]

		if br, ok := b.breakers[t]; ok && br.State() == breaker.Open {
			continue
		}

		b.mu.Lock()
		if s, ok := b.stats[t]; ok {
			s.LastSelectedAt = time.Now()
		}
		b.mu.Unlock()

		b.selectionsTotal.WithLabelValues(targetKey(t)).Inc()
		return t, nil
	}

	return Target{}, ErrNoHealthyServers
}

// RecordRequest updates target's stats after a proxied call.
func (b *Balancer) RecordRequest(t Target, success bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stats[t]
	if !ok {
		s = &Stats{}
		b.stats[t] = s
	}
	s.Requests++
	s.TotalLatency += elapsed
	if success {
		s.Successes++
	} else {
		s.Failures++
		b.proxyErrors.WithLabelValues(targetKey(t)).Inc()
	}
}

// Stats returns a snapshot of every target's accumulated statistics.
func (b *Balancer) Stats() map[Target]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Target]Stats, len(b.stats))
	for t, s := range b.stats {
		out[t] = *s
	}
	return out
}

// Health returns the health checker's current per-target snapshot.
// Without a checker every target is reported healthy, matching
// healthySubset's behavior.
func (b *Balancer) Health() []healthcheck.Health {
	if b.checker != nil {
		return b.checker.Health()
	}

	out := make([]healthcheck.Health, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, healthcheck.Health{
			Target:  healthcheck.Target{Host: t.Host, Port: t.Port},
			Healthy: true,
		})
	}
	return out
}

// Destroy releases the balancer's pooled upstream connections. The
// health checker's probe loop is owned and stopped by whoever started
// it (the gateway). Calling Destroy twice has no further effect.
func (b *Balancer) Destroy() {
	if tr, ok := b.transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

// Execute runs fn against target through its circuit breaker (when
// one is registered for it), then records the outcome in Stats.
func (b *Balancer) Execute(ctx context.Context, t Target, fn func(ctx context.Context) error) error {
	start := time.Now()
	br := b.breakers[t]

	var err error
	if br != nil {
		err = br.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}

	b.RecordRequest(t, err == nil, time.Since(start))
	return err
}

type refusalBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Middleware proxies each admitted request to the next selected
// target, short-circuiting with 503 {code: "NO_HEALTHY_SERVERS"} when
// none are available.
func (b *Balancer) Middleware() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := b.SelectNext()
		if err != nil {
			b.logger.WarnCtx(r.Context(), "no healthy servers available")
			respond.JSON(w, http.StatusServiceUnavailable, refusalBody{
				Error: "no healthy upstream servers are available",
				Code:  "NO_HEALTHY_SERVERS",
			})
			return
		}

		proxy := b.proxies[target]

		ctx, cancel := context.WithTimeout(r.Context(), b.proxyTimeout)
		defer cancel()

		rootSpan := trace.SpanFromContext(ctx)
		var span trace.Span
		if rootSpan.IsRecording() {
			ctx, span = b.tracer.Start(ctx, "loadbalancer.proxy",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attribute.String("loadbalancer.target", targetKey(target))),
			)
			defer span.End()
		}

		o := &outcome{success: true}
		ctx = withOutcome(ctx, o)

		proxyErr := b.Execute(ctx, target, func(ctx context.Context) error {
			proxy.ServeHTTP(w, r.WithContext(ctx))
			if !o.success {
				if o.err != nil {
					return o.err
				}
				return fmt.Errorf("loadbalancer: upstream %s returned a server error", targetKey(target))
			}
			return nil
		})

		if proxyErr != nil {
			if rootSpan.IsRecording() {
				span.RecordError(proxyErr)
				span.SetStatus(codes.Error, proxyErr.Error())
			}
			b.logger.WarnCtx(r.Context(), "proxy request failed",
				log.String("target", targetKey(target)),
				log.Error(proxyErr),
			)

			// A breaker that tripped between SelectNext and Execute
			// rejects without running fn, so nothing has been written
			// yet and a 503 can still go out.
			if errors.Is(proxyErr, breaker.ErrBreakerOpen) {
				respond.JSON(w, http.StatusServiceUnavailable, refusalBody{
					Error: "upstream service is temporarily unavailable",
					Code:  "SERVICE_UNAVAILABLE",
				})
			}
		}
	})
}
