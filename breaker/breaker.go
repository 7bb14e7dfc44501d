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

// Package breaker implements a per-target three-state circuit
// breaker. State transitions and counter updates are serialized with
// a mutex rather than lock-free atomics: a breaker trips at most a
// few times a second even under heavy traffic, so the contention a
// mutex adds is immaterial next to the correctness of observing
// counts and state together.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned by Execute when the breaker refuses an
// operation because it is Open, or because a HalfOpen trial is
// already in flight.
type OpenError struct {
	ServiceName string
	State       State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s is %s", e.ServiceName, e.State)
}

// ErrBreakerOpen is a sentinel usable with errors.Is; OpenError also
// carries the service name and state for callers that want detail.
var ErrBreakerOpen = errors.New("breaker: open")

func (e *OpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

type (
	// Option configures a Breaker during construction.
	Option func(b *Breaker)

	// Policy is the trip/recovery configuration, mirroring the nested
	// "circuitBreaker" configuration mapping.
	Policy struct {
		// ServiceName identifies this breaker in errors and metrics,
		// e.g. the load balancer target it guards.
		ServiceName string

		// FailureThreshold trips the breaker once failures reach this
		// count, provided MinimumRequests has also been observed.
		// Default 5.
		FailureThreshold int

		// MinimumRequests is the observation floor below which the
		// breaker never trips regardless of failure count. Default 1.
		MinimumRequests int

		// ExpectedFailureRate, when non-zero, trips the breaker once
		// failures/requests reaches this ratio (and MinimumRequests is
		// met), in addition to FailureThreshold.
		ExpectedFailureRate float64

		// RecoveryTimeout is how long the breaker stays Open before
		// admitting a single HalfOpen trial. Default 60s.
		RecoveryTimeout time.Duration
	}

	// Counts is a snapshot of a breaker's request/outcome tallies
	// since the last transition to Closed or Open.
	Counts struct {
		Requests   int
		Failures   int
		Successes  int
		Rejections int
	}

	// Stats is the full diagnostic snapshot returned by Stats.
	Stats struct {
		ServiceName   string
		State         State
		Counts        Counts
		LastFailureAt time.Time
		LastSuccessAt time.Time
		OpenedAt      time.Time
		NextAttemptAt time.Time
	}

	// Breaker is a per-target circuit breaker. All exported methods
	// are safe for concurrent use; state transitions are serialized
	// under an internal mutex.
	Breaker struct {
		policy Policy
		logger *log.Logger
		tracer trace.Tracer

		mu            sync.Mutex
		state         State
		generation    uint64
		counts        Counts
		lastFailureAt time.Time
		lastSuccessAt time.Time
		openedAt      time.Time
		nextAttemptAt time.Time
		halfOpenTrial bool

		tripsTotal      *prometheus.CounterVec
		rejectionsTotal prometheus.Counter
		stateGauge      prometheus.Gauge
	}
)

const tracerName = "go.gearno.de/gateway/breaker"

// WithLogger sets the logger used for state-transition log lines.
func WithLogger(l *log.Logger) Option {
	return func(b *Breaker) {
		b.logger = l.Named("breaker")
	}
}

// WithTracerProvider configures the tracer used on Execute.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Breaker) {
		b.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers this breaker's metrics against r instead
// of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(b *Breaker) {
		b.registerMetrics(r)
	}
}

// New creates a Breaker in the Closed state. A zero-value field in
// policy is replaced with its documented default.
func New(policy Policy, options ...Option) *Breaker {
	if policy.FailureThreshold == 0 {
		policy.FailureThreshold = 5
	}
	if policy.MinimumRequests == 0 {
		policy.MinimumRequests = 1
	}
	if policy.RecoveryTimeout == 0 {
		policy.RecoveryTimeout = 60 * time.Second
	}
	if policy.ServiceName == "" {
		policy.ServiceName = "unnamed"
	}

	b := &Breaker{
		policy: policy,
		logger: log.NewLogger(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		state:  Closed,
	}

	b.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(b)
	}

	return b
}

func (b *Breaker) registerMetrics(r prometheus.Registerer) {
	b.tripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of Closed/HalfOpen to Open transitions, by service.",
		},
		[]string{"service"},
	)
	if err := r.Register(b.tripsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			b.tripsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem:   "breaker",
		Name:        "rejections_total",
		Help:        "Total number of operations refused because the breaker was open.",
		ConstLabels: prometheus.Labels{"service": b.policy.ServiceName},
	})
	if err := r.Register(rejections); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rejections = are.ExistingCollector.(prometheus.Counter)
		}
	}
	b.rejectionsTotal = rejections

	stateGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem:   "breaker",
		Name:        "state",
		Help:        "Current breaker state: 0=closed, 1=open, 2=half_open.",
		ConstLabels: prometheus.Labels{"service": b.policy.ServiceName},
	})
	if err := r.Register(stateGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			stateGauge = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	b.stateGauge = stateGauge
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a point-in-time diagnostic snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ServiceName:   b.policy.ServiceName,
		State:         b.state,
		Counts:        b.counts,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
		OpenedAt:      b.openedAt,
		NextAttemptAt: b.nextAttemptAt,
	}
}

// admit decides, under lock, whether the caller may proceed and
// performs any state transition the decision requires (Open ->
// HalfOpen once nextAttemptAt has passed). It returns the generation
// the admitted operation belongs to; recordOutcome discards outcomes
// whose generation is stale, so an operation admitted before a trip
// cannot flip the breaker when it finally completes.
func (b *Breaker) admit(now time.Time) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if now.Before(b.nextAttemptAt) {
			b.rejectionsTotal.Inc()
			b.counts.Rejections++
			return 0, &OpenError{ServiceName: b.policy.ServiceName, State: Open}
		}
		b.transitionLocked(HalfOpen, now)
		b.halfOpenTrial = true
		return b.generation, nil

	case HalfOpen:
		if b.halfOpenTrial {
			b.rejectionsTotal.Inc()
			b.counts.Rejections++
			return 0, &OpenError{ServiceName: b.policy.ServiceName, State: HalfOpen}
		}
		b.halfOpenTrial = true
		return b.generation, nil

	default:
		return b.generation, nil
	}
}

// Execute runs fn if the breaker's state admits it, and records the
// outcome. It returns an *OpenError (matching errors.Is(err,
// ErrBreakerOpen)) without calling fn when refused.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = b.tracer.Start(
			ctx,
			"breaker.Execute",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("breaker.service", b.policy.ServiceName)),
		)
		defer span.End()
	}

	now := time.Now()
	gen, err := b.admit(now)
	if err != nil {
		if rootSpan.IsRecording() {
			span.SetAttributes(attribute.String("breaker.state", b.State().String()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	err = fn(ctx)
	b.recordOutcome(gen, err == nil, time.Now())

	if err != nil && rootSpan.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (b *Breaker) recordOutcome(gen uint64, success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	b.halfOpenTrial = false
	b.counts.Requests++

	if success {
		b.counts.Successes++
		b.lastSuccessAt = now
	} else {
		b.counts.Failures++
		b.lastFailureAt = now
	}

	switch b.state {
	case HalfOpen:
		if success {
			b.transitionLocked(Closed, now)
		} else {
			b.transitionLocked(Open, now)
		}

	case Closed:
		if !success && b.readyToTripLocked() {
			b.transitionLocked(Open, now)
		}
	}
}

func (b *Breaker) readyToTripLocked() bool {
	if b.counts.Requests < b.policy.MinimumRequests {
		return false
	}
	if b.counts.Failures >= b.policy.FailureThreshold {
		return true
	}
	if b.policy.ExpectedFailureRate > 0 {
		rate := float64(b.counts.Failures) / float64(b.counts.Requests)
		if rate >= b.policy.ExpectedFailureRate {
			return true
		}
	}
	return false
}

// transitionLocked moves the breaker to state next. Callers must
// already hold b.mu.
func (b *Breaker) transitionLocked(next State, now time.Time) {
	prev := b.state
	b.state = next
	b.generation++

	switch next {
	case Open:
		b.openedAt = now
		b.nextAttemptAt = now.Add(b.policy.RecoveryTimeout)
		b.counts = Counts{}
		b.tripsTotal.WithLabelValues(b.policy.ServiceName).Inc()
	case Closed:
		b.counts = Counts{}
		b.nextAttemptAt = time.Time{}
	case HalfOpen:
		// Counts are kept as they are: they were last zeroed on
		// entering Open and keep accumulating through the trial.
	}

	b.stateGauge.Set(float64(next))

	if prev != next {
		b.logger.InfoCtx(context.Background(), "breaker state transition",
			log.String("service", b.policy.ServiceName),
			log.String("from", prev.String()),
			log.String("to", next.String()),
		)
	}
}

// Reset forces the breaker to Closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenTrial = false
	b.transitionLocked(Closed, time.Now())
}

// ForceOpen forces the breaker to Open, scheduling the usual
// RecoveryTimeout before a HalfOpen trial is admitted.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenTrial = false
	b.transitionLocked(Open, time.Now())
}

// ForceClose is an alias for Reset, named to match the breaker's
// other manual operations (ForceOpen, Reset).
func (b *Breaker) ForceClose() {
	b.Reset()
}
