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

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/gateway/log"
	"go.gearno.de/gateway/pg"
)

type (
	// PostgresOption configures a PostgresStore during construction.
	PostgresOption func(s *PostgresStore)

	// PostgresStore is a remote Store backed by a single UNLOGGED
	// table, using an atomic INSERT ... ON CONFLICT DO UPDATE ...
	// RETURNING round trip to implement increment. Unlike a
	// sliding-window limiter's table this one stores a flat,
	// TTL-bearing counter, matching the Store contract exactly.
	PostgresStore struct {
		pg      *pg.Client
		logger  *log.Logger
		tracer  trace.Tracer
		metrics *storeMetrics
		table   string
	}
)

const defaultCounterTable = "gateway_counters"

// WithPostgresLogger sets the logger used for table setup and errors.
func WithPostgresLogger(l *log.Logger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = l.Named("counterstore.postgres")
	}
}

// WithPostgresTracerProvider configures the tracer used on each round
// trip to the database, in addition to pg.Client's own query-level
// tracing.
func WithPostgresTracerProvider(tp trace.TracerProvider) PostgresOption {
	return func(s *PostgresStore) {
		s.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithPostgresRegisterer registers this store's metrics against r
// instead of the default registry.
func WithPostgresRegisterer(r prometheus.Registerer) PostgresOption {
	return func(s *PostgresStore) {
		s.metrics = newStoreMetrics(r)
	}
}

// WithPostgresTable overrides the default "gateway_counters" table
// name, letting multiple gateways share one database.
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		s.table = table
	}
}

// NewPostgresStore creates a Store backed by pgClient, creating the
// backing table if it does not already exist.
func NewPostgresStore(ctx context.Context, pgClient *pg.Client, options ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pg:      pgClient,
		logger:  log.NewLogger(),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		metrics: newStoreMetrics(prometheus.DefaultRegisterer),
		table:   defaultCounterTable,
	}

	for _, o := range options {
		o(s)
	}

	if err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		return s.ensureTable(ctx, conn)
	}); err != nil {
		return nil, fmt.Errorf("cannot ensure %s table: %w", s.table, err)
	}

	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context, conn pg.Conn) error {
	_, err := conn.Exec(ctx, fmt.Sprintf(`
CREATE UNLOGGED TABLE IF NOT EXISTS %s (
    key        TEXT PRIMARY KEY,
    value      BIGINT NOT NULL,
    expire_at  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%s_expire_at ON %s (expire_at);
`, s.table, s.table, s.table))

	return err
}

// roundTrip wraps one database round trip: it opens a client span
// when the caller is recording, times the call, and counts its
// outcome.
func (s *PostgresStore) roundTrip(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	rootSpan := trace.SpanFromContext(ctx)
	var span trace.Span
	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"counterstore.postgres."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "postgresql"),
				attribute.String("db.sql.table", s.table),
			),
		)
		defer span.End()
	}

	err := fn(ctx)
	if err != nil && rootSpan.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.metrics.observe("postgres", op, time.Since(start), err)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var (
		value    int64
		found    bool
		expireAt int64
		now      = time.Now().UnixMilli()
	)

	err := s.roundTrip(ctx, "Get", func(ctx context.Context) error {
		err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
			row := conn.QueryRow(ctx, fmt.Sprintf(
				`SELECT value, expire_at FROM %s WHERE key = $1`, s.table,
			), key)
			return row.Scan(&value, &expireAt)
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				value = 0
				return nil
			}
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		found = expireAt > now
		if !found {
			value = 0
		}
		return nil
	})

	return value, found, err
}

func (s *PostgresStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).UnixMilli()

	return s.roundTrip(ctx, "Set", func(ctx context.Context) error {
		err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value, expire_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = $2, expire_at = $3
`, s.table), key, value, expireAt)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	})
}

// Increment performs the same atomic, TTL-preserving increment
// described in the Store contract with a single round trip: if the
// row is absent or its expire_at has passed, it is (re)initialized to
// 1 with a fresh expiry; otherwise its value is bumped and expire_at
// is left untouched.
func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var (
		now         = time.Now().UnixMilli()
		newExpireAt = time.Now().Add(ttl).UnixMilli()
		value       int64
	)

	err := s.roundTrip(ctx, "Increment", func(ctx context.Context) error {
		err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
			row := conn.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value, expire_at)
VALUES ($1, 1, $2)
ON CONFLICT (key) DO UPDATE SET
    value = CASE WHEN %s.expire_at <= $3 THEN 1 ELSE %s.value + 1 END,
    expire_at = CASE WHEN %s.expire_at <= $3 THEN $2 ELSE %s.expire_at END
RETURNING value
`, s.table, s.table, s.table, s.table, s.table), key, newExpireAt, now)
			return row.Scan(&value)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	})

	return value, err
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	return s.roundTrip(ctx, "Clear", func(ctx context.Context) error {
		err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, s.table))
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	})
}

func (s *PostgresStore) IsHealthy(ctx context.Context) bool {
	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		_, err := conn.Exec(ctx, `SELECT 1`)
		return err
	})
	return err == nil
}
