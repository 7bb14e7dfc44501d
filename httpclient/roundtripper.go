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

package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/x/panicf"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"go.gearno.de/gateway/log"
)

type (
	// TelemetryRoundTripper is an http.RoundTripper that wraps another
	// http.RoundTripper to add telemetry capabilities. It logs
	// requests, opens a client span, and counts/times requests with
	// Prometheus collectors.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer
		next   http.RoundTripper

		requests *prometheus.CounterVec
		latency  *prometheus.HistogramVec
	}
)

var _ http.RoundTripper = (*TelemetryRoundTripper)(nil)

// NewTelemetryRoundTripper creates a new TelemetryRoundTripper
// wrapping next. It falls back to a discarding logger, the no-op
// tracer provider, and the default Prometheus registerer when the
// corresponding argument is nil.
func NewTelemetryRoundTripper(next http.RoundTripper, logger *log.Logger, tracerProvider trace.TracerProvider, registerer prometheus.Registerer) *TelemetryRoundTripper {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(io.Discard))
	}
	if tracerProvider == nil {
		tracerProvider = noop.NewTracerProvider()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	rt := &TelemetryRoundTripper{
		logger: logger.Named("http.client"),
		tracer: tracerProvider.Tracer(tracerName),
		next:   next,
	}

	rt.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests by status code.",
		},
		[]string{"method", "host", "status"},
	)
	if err := registerer.Register(rt.requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requests = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	rt.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests.",
		},
		[]string{"method", "host"},
	)
	if err := registerer.Register(rt.latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.latency = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return rt
}

// RoundTrip executes a single HTTP transaction and records telemetry
// data including metrics and a span. It logs the request outcome and
// sanitizes URLs to exclude query parameters and user info from logs
// and span attributes.
func (rt *TelemetryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()
	newReq := req.Clone(ctx)

	reqURL := sanitizeURL(newReq.URL)

	requestID := newReq.Header.Get("X-Request-Id")
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			panicf.Panic("cannot generate UUID: %w", err)
		}
		requestID = id.String()
		newReq.Header.Set("X-Request-Id", requestID)
	}

	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = rt.tracer.Start(ctx, "http.client.request",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", newReq.Method),
				attribute.String("http.url", reqURL.String()),
				attribute.String("http.target", reqURL.Path),
				attribute.String("http.host", newReq.Host),
				attribute.String("http.scheme", reqURL.Scheme),
				attribute.String("http.request_id", requestID),
			),
		)
		defer span.End()
		newReq = newReq.WithContext(ctx)
	}

	resp, err := rt.next.RoundTrip(newReq)
	duration := time.Since(start)

	if err != nil {
		rt.logger.ErrorCtx(ctx, "outbound http request failed",
			log.String("method", newReq.Method),
			log.String("url", reqURL.String()),
			log.Error(err),
		)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}

	status := fmt.Sprintf("%d", resp.StatusCode)
	rt.requests.WithLabelValues(newReq.Method, reqURL.Host, status).Inc()
	rt.latency.WithLabelValues(newReq.Method, reqURL.Host).Observe(duration.Seconds())

	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Status)
		}
	}

	logFn := rt.logger.InfoCtx
	if resp.StatusCode >= http.StatusInternalServerError {
		logFn = rt.logger.ErrorCtx
	}
	logFn(ctx, fmt.Sprintf("%s %s %d %s", newReq.Method, reqURL.String(), resp.StatusCode, duration),
		log.String("request_id", requestID),
		log.Int("status", resp.StatusCode),
		log.Duration("duration", duration),
	)

	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport when it
// supports it, so callers holding the telemetry wrapper can still
// release pooled connections.
func (rt *TelemetryRoundTripper) CloseIdleConnections() {
	if tr, ok := rt.next.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

func sanitizeURL(u *url.URL) *url.URL {
	u2 := *u
	u2.RawQuery = ""
	u2.Fragment = ""
	u2.User = nil

	return &u2
}
