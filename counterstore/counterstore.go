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

// Package counterstore provides a keyed, TTL-bearing integer counter
// abstraction used by the ratelimiter package. Three production-grade
// implementations are provided: Memory, Redis, and Postgres, the last
// built on a single UNLOGGED table and an atomic upsert. All three
// share the same increment semantics: a missing or expired key is
// initialized to 1 with the supplied TTL armed, an existing key is
// incremented with its TTL left untouched.
package counterstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Store is the capability every rate limiter depends on. A Store
	// does not know about HTTP, windows, or keys-of-keys; it is a
	// flat, TTL-bearing counter map.
	Store interface {
		// Get returns the current value for key. The second return
		// value is false if the key is absent or has expired.
		Get(ctx context.Context, key string) (int64, bool, error)

		// Set overwrites key with value and arms ttl, discarding any
		// previous value and expiry.
		Set(ctx context.Context, key string, value int64, ttl time.Duration) error

		// Increment atomically increments key by one. If the key is
		// missing or expired, it is initialized to 1 and ttl is
		// armed; otherwise the existing expiry is preserved. It
		// returns the value after the increment.
		Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

		// Clear removes every key owned by this store (scoped by key
		// prefix for shared remote stores).
		Clear(ctx context.Context) error

		// IsHealthy reports whether the store can currently serve
		// requests. It must not block longer than a few milliseconds.
		IsHealthy(ctx context.Context) bool
	}
)

// ErrUnavailable is returned by a remote Store implementation when the
// backing service could not be reached. Callers in ratelimiter treat
// this as fail-open.
var ErrUnavailable = errors.New("counterstore: backend unavailable")

const tracerName = "go.gearno.de/gateway/counterstore"

// storeMetrics holds the collectors shared by the remote Store
// implementations; both register against the same metric names and
// tell themselves apart with the backend label.
type storeMetrics struct {
	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
}

func newStoreMetrics(r prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{}

	m.opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "counterstore",
			Name:      "operations_total",
			Help:      "Total number of counter store round trips, by backend, operation, and outcome.",
		},
		[]string{"backend", "operation", "outcome"},
	)
	if err := r.Register(m.opsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.opsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	m.opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "counterstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of counter store round trips in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
	if err := r.Register(m.opDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.opDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return m
}

func (m *storeMetrics) observe(backend, op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opsTotal.WithLabelValues(backend, op, outcome).Inc()
	m.opDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}
