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

package counterstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
)

type (
	// RedisOption configures a RedisStore during construction.
	RedisOption func(s *RedisStore)

	// RedisStore is the distributed Store variant: a remote cache
	// server, standalone, sentinel, or clustered.
	// redis.UniversalClient covers all three topologies behind one
	// interface, so the client passed as NewRedisStore's first argument
	// can be built with redis.NewClient, redis.NewFailoverClient, or
	// redis.NewClusterClient interchangeably.
	RedisStore struct {
		client    redis.UniversalClient
		logger    *log.Logger
		tracer    trace.Tracer
		metrics   *storeMetrics
		keyPrefix string
	}
)

// WithRedisLogger sets the logger used for connection errors.
func WithRedisLogger(l *log.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = l.Named("counterstore.redis")
	}
}

// WithRedisTracerProvider configures the tracer used on each round
// trip to the server.
func WithRedisTracerProvider(tp trace.TracerProvider) RedisOption {
	return func(s *RedisStore) {
		s.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRedisRegisterer registers this store's metrics against r instead
// of the default registry.
func WithRedisRegisterer(r prometheus.Registerer) RedisOption {
	return func(s *RedisStore) {
		s.metrics = newStoreMetrics(r)
	}
}

// WithRedisKeyPrefix namespaces every key this store touches,
// including the scope for Clear, using a "{keyPrefix}{logicalKey}"
// layout.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore wraps an already-constructed redis.UniversalClient.
// Construction does not dial; use Ping (via IsHealthy) or rely on the
// rate limiter's fail-open behavior to surface connectivity issues.
func NewRedisStore(client redis.UniversalClient, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		logger:  log.NewLogger(),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		metrics: newStoreMetrics(prometheus.DefaultRegisterer),
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// incrementPreserveTTLScript implements the Store.Increment contract
// in one round trip: INCR creates the key at 1 if absent (Redis
// treats a missing key as 0), and only when the result is exactly 1
// do we arm the TTL, since any other result means the key already
// existed and its TTL must be left untouched.
const incrementPreserveTTLScript = `
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

// roundTrip wraps one server round trip: it opens a client span when
// the caller is recording, times the call, and counts its outcome.
func (s *RedisStore) roundTrip(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"counterstore.redis."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("db.system", "redis")),
		)
		defer span.End()
	}

	err := fn(ctx)
	if err != nil && rootSpan.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.metrics.observe("redis", op, time.Since(start), err)
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var (
		value int64
		found bool
	)

	err := s.roundTrip(ctx, "Get", func(ctx context.Context) error {
		v, err := s.client.Get(ctx, s.key(key)).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		value, found = v, true
		return nil
	})

	return value, found, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.roundTrip(ctx, "Set", func(ctx context.Context) error {
		if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	})
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var value int64

	err := s.roundTrip(ctx, "Increment", func(ctx context.Context) error {
		res, err := s.client.Eval(
			ctx,
			incrementPreserveTTLScript,
			[]string{s.key(key)},
			ttl.Milliseconds(),
		).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		v, ok := res.(int64)
		if !ok {
			return fmt.Errorf("%w: unexpected eval result type %T", ErrUnavailable, res)
		}

		value = v
		return nil
	})

	return value, err
}

// Clear deletes every key under this store's prefix by scanning with
// a cursor, which is safe against large keyspaces shared with other
// tenants on the same Redis deployment.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.roundTrip(ctx, "Clear", func(ctx context.Context) error {
		var cursor uint64

		for {
			keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 1000).Result()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}

			if len(keys) > 0 {
				if err := s.client.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrUnavailable, err)
				}
			}

			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
}

func (s *RedisStore) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}
