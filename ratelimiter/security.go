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

package ratelimiter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.gearno.de/gateway/counterstore"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/log"
)

type (
	// SecurityOption configures a SecurityLimiter during construction.
	SecurityOption func(l *SecurityLimiter)

	// SecurityPolicy configures the anti-abuse counter: count
	// attempts, and once MaxAttempts is reached, block the key for
	// BlockDuration regardless of further attempts.
	SecurityPolicy struct {
		// MaxAttempts is the number of recorded failures that trips
		// the block.
		MaxAttempts int

		// AttemptWindow is the TTL armed on the attempts counter; it
		// resets the count if no failure is recorded within it.
		AttemptWindow time.Duration

		// BlockDuration is how long a tripped key stays blocked.
		BlockDuration time.Duration

		Message string
	}

	// SecurityVerdict reports a key's current block state.
	SecurityVerdict struct {
		Blocked    bool
		Attempts   int64
		BlockUntil time.Time
	}

	// SecurityLimiter is the anti-abuse counterpart to Limiter. Unlike
	// Limiter it does not classify requests on its own; the host
	// reports outcomes explicitly via RecordFailure/RecordSuccess
	// (e.g. after a login attempt), and Middleware only consults
	// Status to refuse requests from an already-blocked key.
	SecurityLimiter struct {
		store  counterstore.Store
		policy SecurityPolicy
		logger *log.Logger

		blocksTotal *prometheus.CounterVec
	}
)

// unblockTTL is the shortest positive TTL accepted by every
// counterstore backend (Redis PX requires at least one millisecond);
// Unblock arms it instead of deleting the key, since the Store
// contract has no delete primitive.
const unblockTTL = time.Millisecond

const (
	attemptsKeyPrefix = "attempts:"
	blockKeyPrefix    = "block:"
)

// WithSecurityLogger sets the logger used for fail-open warnings.
func WithSecurityLogger(l *log.Logger) SecurityOption {
	return func(lim *SecurityLimiter) {
		lim.logger = l.Named("ratelimiter.security")
	}
}

// WithSecurityRegisterer registers this limiter's metrics against r
// instead of the default registry.
func WithSecurityRegisterer(r prometheus.Registerer) SecurityOption {
	return func(l *SecurityLimiter) {
		l.registerMetrics(r)
	}
}

// NewSecurityLimiter creates an anti-abuse limiter over store.
func NewSecurityLimiter(store counterstore.Store, policy SecurityPolicy, options ...SecurityOption) *SecurityLimiter {
	if policy.Message == "" {
		policy.Message = "too many failed attempts, try again later"
	}

	l := &SecurityLimiter{
		store:  store,
		policy: policy,
		logger: log.NewLogger(),
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *SecurityLimiter) registerMetrics(r prometheus.Registerer) {
	l.blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimiter_security",
			Name:      "blocks_total",
			Help:      "Total number of keys transitioned into a blocked state.",
		},
		[]string{},
	)
	if err := r.Register(l.blocksTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.blocksTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// RecordFailure increments key's attempt counter and, once
// MaxAttempts is reached, arms a block key carrying its own
// expiration as the stored value so Status can report BlockUntil
// without the Store contract needing to expose remaining TTL.
func (l *SecurityLimiter) RecordFailure(ctx context.Context, key string) (*SecurityVerdict, error) {
	attempts, err := l.store.Increment(ctx, attemptsKeyPrefix+key, l.policy.AttemptWindow)
	if err != nil {
		l.logger.ErrorCtx(ctx, "counter store error recording failure, failing open",
			log.Error(err), log.String("key", key))
		return &SecurityVerdict{Blocked: false}, nil
	}

	if attempts < int64(l.policy.MaxAttempts) {
		return &SecurityVerdict{Blocked: false, Attempts: attempts}, nil
	}

	blockUntil := time.Now().Add(l.policy.BlockDuration)
	if err := l.store.Set(ctx, blockKeyPrefix+key, blockUntil.UnixMilli(), l.policy.BlockDuration); err != nil {
		l.logger.ErrorCtx(ctx, "counter store error arming block, failing open",
			log.Error(err), log.String("key", key))
		return &SecurityVerdict{Blocked: false, Attempts: attempts}, nil
	}

	l.blocksTotal.WithLabelValues().Inc()

	return &SecurityVerdict{Blocked: true, Attempts: attempts, BlockUntil: blockUntil}, nil
}

// RecordSuccess resets key's attempt counter: a successful operation
// resets the attempt counter. It does not clear an already-armed
// block; an operator explicitly lifts a block with Unblock.
func (l *SecurityLimiter) RecordSuccess(ctx context.Context, key string) error {
	if err := l.store.Set(ctx, attemptsKeyPrefix+key, 0, l.policy.AttemptWindow); err != nil {
		return fmt.Errorf("cannot reset attempt counter: %w", err)
	}
	return nil
}

// Unblock lifts a block placed by RecordFailure ahead of its natural
// expiration.
func (l *SecurityLimiter) Unblock(ctx context.Context, key string) error {
	if err := l.store.Set(ctx, blockKeyPrefix+key, 0, unblockTTL); err != nil {
		return fmt.Errorf("cannot unblock key: %w", err)
	}
	return nil
}

// Status reports whether key is currently blocked.
func (l *SecurityLimiter) Status(ctx context.Context, key string) (*SecurityVerdict, error) {
	v, found, err := l.store.Get(ctx, blockKeyPrefix+key)
	if err != nil {
		l.logger.ErrorCtx(ctx, "counter store error checking status, failing open",
			log.Error(err), log.String("key", key))
		return &SecurityVerdict{Blocked: false}, nil
	}
	if !found {
		return &SecurityVerdict{Blocked: false}, nil
	}

	return &SecurityVerdict{Blocked: true, BlockUntil: time.UnixMilli(v)}, nil
}

type securityRefusalBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	BlockUntil int64  `json:"blockUntil"`
}

// Middleware refuses requests whose KeyFunc-derived key is currently
// blocked; it does not itself call RecordFailure/RecordSuccess, since
// only the host knows whether the guarded operation succeeded.
func (l *SecurityLimiter) Middleware(keyFn KeyFunc, next http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = defaultKeyFunc
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict, err := l.Status(r.Context(), keyFn(r))
		if err != nil {
			l.logger.ErrorCtx(r.Context(), "security status check failed", log.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if !verdict.Blocked {
			next.ServeHTTP(w, r)
			return
		}

		respond.JSON(w, http.StatusTooManyRequests, securityRefusalBody{
			Error:      "blocked",
			Message:    l.policy.Message,
			BlockUntil: verdict.BlockUntil.UnixMilli(),
		})
	})
}
