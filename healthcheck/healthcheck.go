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

// Package healthcheck implements periodic target probing with
// hysteresis: a single background task probes every target on each
// tick, and a target's healthy boolean flips only after a run of
// consecutive successes or failures.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/httpclient"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
)

// ProbeType selects the transport a Target is probed over.
type ProbeType string

const (
	HTTP  ProbeType = "http"
	HTTPS ProbeType = "https"
	TCP   ProbeType = "tcp"
)

var defaultExpectedStatusCodes = []int{
	http.StatusOK,
	http.StatusCreated,
	http.StatusAccepted,
	http.StatusNoContent,
}

type (
	// Target identifies a single backend to probe.
	Target struct {
		Host string
		Port int
	}

	// Policy is the health-check configuration, mirroring the nested
	// "healthCheck" configuration mapping.
	Policy struct {
		Enabled  bool
		Type     ProbeType
		Endpoint string
		Interval time.Duration
		Timeout  time.Duration

		// SuccessThreshold consecutive successes flip unhealthy ->
		// healthy. Default 2.
		SuccessThreshold int

		// FailureThreshold consecutive failures flip healthy ->
		// unhealthy. Default 3.
		FailureThreshold int

		// ExpectedStatusCodes defaults to {200, 201, 202, 204}.
		ExpectedStatusCodes []int

		// ExpectedResponseBody, if set, must appear in the probe body
		// either as a literal substring or, if it compiles as one, a
		// regular expression.
		ExpectedResponseBody string

		Headers http.Header
	}

	// Health is the point-in-time status of one target.
	Health struct {
		Target              Target
		Healthy             bool
		ConsecutiveSuccess  int
		ConsecutiveFailures int
		LastResponseTime    time.Duration
		LastCheckedAt       time.Time
		LastError           string
	}

	// Option configures a Checker during construction.
	Option func(c *Checker)

	// Checker runs Policy's probe against every target on a fixed
	// interval and keeps each target's hysteresis state.
	Checker struct {
		policy  Policy
		targets []Target
		client  *http.Client
		logger  *log.Logger
		tracer  trace.Tracer

		bodyMatcher *regexp.Regexp

		mu     sync.RWMutex
		health map[Target]*Health

		cancel context.CancelFunc
		done   chan struct{}

		probesTotal  *prometheus.CounterVec
		healthyGauge *prometheus.GaugeVec
	}
)

const tracerName = "go.gearno.de/gateway/healthcheck"

// WithLogger sets the logger used for probe failures and state
// transitions.
func WithLogger(l *log.Logger) Option {
	return func(c *Checker) {
		c.logger = l.Named("healthcheck")
	}
}

// WithTracerProvider configures the tracer used on each probe.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Checker) {
		c.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers this checker's metrics against r instead
// of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Checker) {
		c.registerMetrics(r)
	}
}

// WithHTTPClient overrides the client used for HTTP/HTTPS probes.
// Defaults to httpclient.DefaultClient with keepalives disabled,
// appropriate for low-frequency probing traffic.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// New creates a Checker for targets under policy. A zero-value field
// in policy is replaced with its documented default.
func New(targets []Target, policy Policy, options ...Option) *Checker {
	if policy.SuccessThreshold == 0 {
		policy.SuccessThreshold = 2
	}
	if policy.FailureThreshold == 0 {
		policy.FailureThreshold = 3
	}
	if policy.Timeout == 0 {
		policy.Timeout = 5 * time.Second
	}
	if policy.Interval == 0 {
		policy.Interval = 10 * time.Second
	}
	if len(policy.ExpectedStatusCodes) == 0 {
		policy.ExpectedStatusCodes = defaultExpectedStatusCodes
	}

	c := &Checker{
		policy:  policy,
		targets: targets,
		client:  httpclient.DefaultClient(),
		logger:  log.NewLogger(),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		health:  make(map[Target]*Health, len(targets)),
	}

	if policy.ExpectedResponseBody != "" {
		if re, err := regexp.Compile(policy.ExpectedResponseBody); err == nil {
			c.bodyMatcher = re
		}
	}

	for _, t := range targets {
		c.health[t] = &Health{Target: t, Healthy: true}
	}

	c.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(c)
	}

	return c
}

func (c *Checker) registerMetrics(r prometheus.Registerer) {
	c.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "healthcheck",
			Name:      "probes_total",
			Help:      "Total number of probes, by target and outcome.",
		},
		[]string{"target", "healthy"},
	)
	if err := r.Register(c.probesTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.probesTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	c.healthyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "healthcheck",
			Name:      "target_healthy",
			Help:      "1 if the target is currently healthy, 0 otherwise.",
		},
		[]string{"target"},
	)
	if err := r.Register(c.healthyGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.healthyGauge = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
}

func targetKey(t Target) string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

var errBodyMismatch = fmt.Errorf("healthcheck: response body did not match expectedResponseBody")

func errUnexpectedStatus(code int) error {
	return fmt.Errorf("healthcheck: unexpected status code %d", code)
}

// Start launches the background probing loop. It returns immediately;
// the loop runs until ctx is cancelled or Stop is called. If Policy is
// disabled, Start still records every target as healthy and returns
// without starting a loop.
func (c *Checker) Start(ctx context.Context) {
	for _, h := range c.health {
		c.healthyGauge.WithLabelValues(targetKey(h.Target)).Set(1)
	}

	if !c.policy.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx)
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()

	c.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range c.targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probeOne(ctx, t)
		}()
	}
	wg.Wait()
}

func (c *Checker) probeOne(ctx context.Context, t Target) {
	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(ctx, "healthcheck.probe", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	start := time.Now()
	ok, probeErr := c.probe(probeCtx, t)
	elapsed := time.Since(start)

	c.recordOutcome(t, ok, elapsed, probeErr)
}

func (c *Checker) probe(ctx context.Context, t Target) (bool, error) {
	switch c.policy.Type {
	case TCP:
		return c.probeTCP(ctx, t)
	case HTTPS:
		return c.probeHTTP(ctx, t, "https")
	default:
		return c.probeHTTP(ctx, t, "http")
	}
}

func (c *Checker) probeTCP(ctx context.Context, t Target) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", targetKey(t))
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}

func (c *Checker) probeHTTP(ctx context.Context, t Target, scheme string) (bool, error) {
	endpoint := c.policy.Endpoint
	if endpoint == "" {
		endpoint = "/"
	}

	url := scheme + "://" + targetKey(t) + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	for name, values := range c.policy.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if !containsInt(c.policy.ExpectedStatusCodes, resp.StatusCode) {
		return false, errUnexpectedStatus(resp.StatusCode)
	}

	if c.policy.ExpectedResponseBody != "" {
		body := make([]byte, 4096)
		n, _ := resp.Body.Read(body)
		text := string(body[:n])

		if c.bodyMatcher != nil {
			if !c.bodyMatcher.MatchString(text) {
				return false, errBodyMismatch
			}
		} else if !strings.Contains(text, c.policy.ExpectedResponseBody) {
			return false, errBodyMismatch
		}
	}

	return true, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (c *Checker) recordOutcome(t Target, success bool, elapsed time.Duration, probeErr error) {
	c.mu.Lock()
	h, ok := c.health[t]
	if !ok {
		h = &Health{Target: t, Healthy: true}
		c.health[t] = h
	}

	h.LastResponseTime = elapsed
	h.LastCheckedAt = time.Now()

	wasHealthy := h.Healthy

	if success {
		h.ConsecutiveSuccess++
		h.ConsecutiveFailures = 0
		h.LastError = ""
		if !h.Healthy && h.ConsecutiveSuccess >= c.policy.SuccessThreshold {
			h.Healthy = true
		}
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccess = 0
		if probeErr != nil {
			h.LastError = probeErr.Error()
		}
		if h.Healthy && h.ConsecutiveFailures >= c.policy.FailureThreshold {
			h.Healthy = false
		}
	}

	nowHealthy := h.Healthy
	c.mu.Unlock()

	successStr := "false"
	if success {
		successStr = "true"
	}
	c.probesTotal.WithLabelValues(targetKey(t), successStr).Inc()
	healthyVal := 0.0
	if nowHealthy {
		healthyVal = 1.0
	}
	c.healthyGauge.WithLabelValues(targetKey(t)).Set(healthyVal)

	if wasHealthy != nowHealthy {
		c.logger.WarnCtx(context.Background(), "target health transition",
			log.String("target", targetKey(t)),
			log.Bool("healthy", nowHealthy),
		)
	}
}

// Health returns a snapshot of every target's current status.
func (c *Checker) Health() []Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Health, 0, len(c.targets))
	for _, t := range c.targets {
		if h, ok := c.health[t]; ok {
			out = append(out, *h)
		}
	}
	return out
}

// IsHealthy reports t's current healthy boolean. Unknown targets are
// reported healthy, matching New's initial-optimistic default.
func (c *Checker) IsHealthy(t Target) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.health[t]; ok {
		return h.Healthy
	}
	return true
}

// Stop cancels the background probing loop and waits for the current
// probe round to finish.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}
