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

// Package gateway composes the counterstore, ratelimiter, ipfilter,
// validator, secheaders, breaker, healthcheck, and loadbalancer
// packages into a single request-governance pipeline: a fixed stage
// order, a single middleware entrypoint, and a construct/destroy
// lifecycle the host drives explicitly.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"go.gearno.de/gateway/counterstore"
	"go.gearno.de/gateway/healthcheck"
	"go.gearno.de/gateway/internal/otelutils"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/ipfilter"
	"go.gearno.de/gateway/loadbalancer"
	"go.gearno.de/gateway/log"
	"go.gearno.de/gateway/pg"
	"go.gearno.de/gateway/ratelimiter"
	"go.gearno.de/gateway/secheaders"
	"go.gearno.de/gateway/validator"
)

// ErrNoComponents is returned by Create when cfg configures neither a
// rate limiter nor a load balancer.
var ErrNoComponents = errors.New("gateway: configuration must enable a rate limiter or a load balancer")

type (
	// Option configures a Gateway during Create.
	Option func(o *options)

	options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer
		pgClient       *pg.Client
		redisClient    redis.UniversalClient
		drainTimeout   time.Duration

		bodyFn    validator.BodyExtractor
		paramsFn  validator.ParamsExtractor
		customFns map[string]validator.CustomFunc

		rateLimiterKeyFn KeyFunc
		securityKeyFn    KeyFunc
		skipFn           ratelimiter.SkipFunc
	}

	// KeyFunc partitions requests for a rate limiter; an alias of
	// ratelimiter.KeyFunc so callers need not import that package just
	// to pass one to gateway.Create.
	KeyFunc = ratelimiter.KeyFunc
)

// WithLogger sets the logger every constructed component is named
// under.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the tracer provider every suspending
// component opens spans against.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithRegisterer sets the Prometheus registerer every component
// registers its collectors against. Defaults to
// prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithPostgresClient supplies the pg.Client a "postgres" counter
// store is built against. Required when any rateLimiter/security
// rateLimiter section names store: "postgres"; its absence is treated
// like an unreachable remote store (fallback to memory, warning
// logged).
func WithPostgresClient(c *pg.Client) Option {
	return func(o *options) { o.pgClient = c }
}

// WithRedisClient supplies an already-constructed redis.UniversalClient,
// bypassing RemoteStoreConfig's own client construction. Use this when
// the host already manages a shared Redis connection pool.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = c }
}

// WithDrainTimeout bounds how long Destroy waits for background tasks
// to finish. Default 10s.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithBodyExtractor wires the function the request validator uses to
// obtain the body location's values; typically validator.JSONBodyExtractor.
func WithBodyExtractor(fn validator.BodyExtractor) Option {
	return func(o *options) { o.bodyFn = fn }
}

// WithParamsExtractor wires the function the request validator uses
// to obtain the params location's values, typically populated from
// the host router's path parameters.
func WithParamsExtractor(fn validator.ParamsExtractor) Option {
	return func(o *options) { o.paramsFn = fn }
}

// WithValidatorCustomFunc attaches a CustomFunc to the named field in
// location ("headers"|"query"|"body"|"params"); FieldRuleConfig has no
// wire form for a function, so custom validators are always attached
// in code.
func WithValidatorCustomFunc(location, field string, fn validator.CustomFunc) Option {
	return func(o *options) {
		if o.customFns == nil {
			o.customFns = make(map[string]validator.CustomFunc)
		}
		o.customFns[location+"."+field] = fn
	}
}

// WithRateLimiterKeyFunc overrides the business rate limiter's default
// (socket peer address) partition key.
func WithRateLimiterKeyFunc(fn KeyFunc) Option {
	return func(o *options) { o.rateLimiterKeyFn = fn }
}

// WithRateLimiterSkipFunc configures the business rate limiter's
// SkipFunc.
func WithRateLimiterSkipFunc(fn ratelimiter.SkipFunc) Option {
	return func(o *options) { o.skipFn = fn }
}

// WithSecurityKeyFunc overrides the anti-abuse rate limiter's default
// partition key, used both by Middleware's Status check and by the
// host's own RecordFailure/RecordSuccess calls.
func WithSecurityKeyFunc(fn KeyFunc) Option {
	return func(o *options) { o.securityKeyFn = fn }
}

// Gateway is the constructed request pipeline: the fixed-order
// composition of whichever components Config enabled, plus the
// background tasks (counter-store reaper, health checker) that keep
// their shared state current. The zero value is not usable; construct
// one with Create.
type Gateway struct {
	logger *log.Logger

	headers         *secheaders.Injector
	ipFilter        *ipfilter.Filter
	securityLimiter *ratelimiter.SecurityLimiter
	securityKeyFn   KeyFunc
	validator       *validator.Validator
	bodyFn          validator.BodyExtractor
	paramsFn        validator.ParamsExtractor
	limiter         *ratelimiter.Limiter
	balancer        *loadbalancer.Balancer
	checker         *healthcheck.Checker

	// SecurityLimiter is exported as a field accessor (below) so the
	// host can call RecordFailure/RecordSuccess/Unblock after its own
	// business logic runs (e.g. a login handler).
	SecurityLimiter *ratelimiter.SecurityLimiter

	drainTimeout time.Duration
	bgCancel     context.CancelFunc
	destroyOnce  sync.Once
}

// Create validates cfg, constructs every component it names, and
// starts their background tasks (the counter-store TTL reaper and the
// health checker's probe loop). It fails if cfg enables neither a
// rate limiter nor a load balancer.
func Create(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.RateLimiter == nil && cfg.LoadBalancer == nil {
		return nil, ErrNoComponents
	}
	if cfg.RateLimiter != nil && (cfg.RateLimiter.WindowMs <= 0 || cfg.RateLimiter.MaxRequests <= 0) {
		return nil, errors.New("gateway: rateLimiter requires positive windowMs and maxRequests")
	}
	if cfg.Security.RateLimiter != nil && cfg.Security.RateLimiter.MaxAttempts <= 0 {
		return nil, errors.New("gateway: security.rateLimiter requires a positive maxAttempts")
	}

	o := &options{
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
		drainTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.NewLogger(loggingOptions(cfg.Logging)...)
	}
	o.tracerProvider = otelutils.WrapTracerProvider(o.tracerProvider)

	logger := o.logger.Named("gateway")
	bgCtx, bgCancel := context.WithCancel(context.Background())

	g := &Gateway{
		logger:        logger,
		bodyFn:        o.bodyFn,
		paramsFn:      o.paramsFn,
		securityKeyFn: o.securityKeyFn,
		drainTimeout:  o.drainTimeout,
		bgCancel:      bgCancel,
	}

	if cfg.Security.Headers != nil {
		g.headers = secheaders.New(*cfg.Security.Headers)
	}

	if cfg.Security.IPFilter != nil {
		g.ipFilter = ipfilter.New(
			toIPFilterConfig(cfg.Security.IPFilter),
			ipfilter.WithLogger(logger),
			ipfilter.WithRegisterer(o.registerer),
		)
	}

	if cfg.Security.RateLimiter != nil {
		store := g.buildStore(bgCtx, o, "security", cfg.Security.RateLimiter.Store, cfg.Security.RateLimiter.Remote)
		g.securityLimiter = ratelimiter.NewSecurityLimiter(
			store,
			toSecurityPolicy(cfg.Security.RateLimiter),
			ratelimiter.WithSecurityLogger(logger),
			ratelimiter.WithSecurityRegisterer(o.registerer),
		)
		g.SecurityLimiter = g.securityLimiter
	}

	if cfg.Security.Validator != nil {
		vcfg := toValidatorConfig(cfg.Security.Validator)
		applyCustomFns(vcfg.Headers, "headers", o.customFns)
		applyCustomFns(vcfg.Query, "query", o.customFns)
		applyCustomFns(vcfg.Body, "body", o.customFns)
		applyCustomFns(vcfg.Params, "params", o.customFns)

		g.validator = validator.New(vcfg,
			validator.WithLogger(logger),
			validator.WithRegisterer(o.registerer),
		)
	}

	if cfg.RateLimiter != nil {
		policy := toRateLimiterPolicy(cfg.RateLimiter)
		if o.rateLimiterKeyFn != nil {
			policy.KeyFunc = o.rateLimiterKeyFn
		}
		policy.SkipFunc = o.skipFn

		store := g.buildStore(bgCtx, o, "ratelimiter", cfg.RateLimiter.Store, cfg.RateLimiter.Remote)
		g.limiter = ratelimiter.NewLimiter(
			store,
			policy,
			ratelimiter.WithLogger(logger),
			ratelimiter.WithTracerProvider(o.tracerProvider),
			ratelimiter.WithRegisterer(o.registerer),
		)
	}

	if cfg.LoadBalancer != nil {
		if len(cfg.LoadBalancer.Targets) == 0 {
			bgCancel()
			return nil, errors.New("gateway: loadBalancer requires at least one target")
		}

		targets := toTargets(cfg.LoadBalancer.Targets)

		lbOpts := []loadbalancer.Option{
			loadbalancer.WithLogger(logger),
			loadbalancer.WithTracerProvider(o.tracerProvider),
			loadbalancer.WithRegisterer(o.registerer),
		}

		if cfg.LoadBalancer.ProxyTimeoutMs > 0 {
			lbOpts = append(lbOpts, loadbalancer.WithProxyTimeout(msToDuration(cfg.LoadBalancer.ProxyTimeoutMs)))
		}

		if cfg.LoadBalancer.CircuitBreaker != nil {
			lbOpts = append(lbOpts, loadbalancer.WithBreakerPolicy(toBreakerPolicy(cfg.LoadBalancer.CircuitBreaker)))
		}

		if hc := cfg.LoadBalancer.HealthCheck; hc != nil && hc.Enabled {
			hcTargets := make([]healthcheck.Target, 0, len(targets))
			for _, t := range targets {
				hcTargets = append(hcTargets, healthcheck.Target{Host: t.Host, Port: t.Port})
			}

			g.checker = healthcheck.New(
				hcTargets,
				toHealthCheckPolicy(hc),
				healthcheck.WithLogger(logger),
				healthcheck.WithTracerProvider(o.tracerProvider),
				healthcheck.WithRegisterer(o.registerer),
			)
			g.checker.Start(bgCtx)

			lbOpts = append(lbOpts, loadbalancer.WithHealthChecker(g.checker))
		}

		g.balancer = loadbalancer.New(targets, lbOpts...)
	}

	logger.InfoCtx(ctx, "gateway created",
		log.Bool("headers", g.headers != nil),
		log.Bool("ip_filter", g.ipFilter != nil),
		log.Bool("security_rate_limiter", g.securityLimiter != nil),
		log.Bool("validator", g.validator != nil),
		log.Bool("rate_limiter", g.limiter != nil),
		log.Bool("load_balancer", g.balancer != nil),
	)

	return g, nil
}

func applyCustomFns(rules []validator.FieldRule, location string, fns map[string]validator.CustomFunc) {
	if len(fns) == 0 {
		return
	}
	for i := range rules {
		if fn, ok := fns[location+"."+rules[i].Field]; ok {
			rules[i].CustomFn = fn
		}
	}
}

// buildStore constructs the counterstore.Store the named section
// (sectionName is used only to label the fallback warnings) asks
// for, falling back to an in-memory store with a logged warning when
// the requested backend is unavailable.
func (g *Gateway) buildStore(ctx context.Context, o *options, sectionName, store string, remote *RemoteStoreConfig) counterstore.Store {
	switch store {
	case "redis":
		if s, ok := g.tryRedisStore(ctx, o, remote); ok {
			return s
		}
		g.logger.Warn("redis counter store unavailable, falling back to memory store",
			log.String("section", sectionName),
		)

	case "postgres":
		if s, ok := g.tryPostgresStore(ctx, o, remote); ok {
			return s
		}
		g.logger.Warn("postgres counter store unavailable, falling back to memory store",
			log.String("section", sectionName),
		)

	case "", "memory":
		// fall through to the memory store below

	default:
		g.logger.Warn("unrecognized counter store kind, falling back to memory store",
			log.String("section", sectionName),
			log.String("store", store),
		)
	}

	mem := counterstore.NewMemoryStore(counterstore.WithMemoryLogger(g.logger))
	mem.StartReaper(ctx)
	return mem
}

func (g *Gateway) tryRedisStore(ctx context.Context, o *options, remote *RemoteStoreConfig) (counterstore.Store, bool) {
	client := o.redisClient
	if client == nil {
		if remote == nil || len(remote.Addrs) == 0 {
			return nil, false
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      remote.Addrs,
			MasterName: remote.MasterName,
			Username:   remote.Username,
			Password:   remote.Password,
			DB:         remote.DB,
		})
	}

	var keyPrefix string
	if remote != nil {
		keyPrefix = remote.KeyPrefix
	}

	store := counterstore.NewRedisStore(client,
		counterstore.WithRedisLogger(g.logger),
		counterstore.WithRedisTracerProvider(o.tracerProvider),
		counterstore.WithRedisRegisterer(o.registerer),
		counterstore.WithRedisKeyPrefix(keyPrefix),
	)

	if !store.IsHealthy(ctx) {
		return nil, false
	}

	return store, true
}

func (g *Gateway) tryPostgresStore(ctx context.Context, o *options, remote *RemoteStoreConfig) (counterstore.Store, bool) {
	if o.pgClient == nil {
		return nil, false
	}

	pgOpts := []counterstore.PostgresOption{
		counterstore.WithPostgresLogger(g.logger),
		counterstore.WithPostgresTracerProvider(o.tracerProvider),
		counterstore.WithPostgresRegisterer(o.registerer),
	}
	if remote != nil && remote.Table != "" {
		pgOpts = append(pgOpts, counterstore.WithPostgresTable(remote.Table))
	}

	store, err := counterstore.NewPostgresStore(ctx, o.pgClient, pgOpts...)
	if err != nil {
		g.logger.ErrorCtx(ctx, "cannot create postgres counter store", log.Error(err))
		return nil, false
	}

	return store, true
}

type internalErrorBody struct {
	Error string `json:"error"`
}

// recoverMiddleware turns a panic escaping the pipeline into an HTTP 500
// envelope, mirroring httpserver's handler_wrapper.go recovery.
func (g *Gateway) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				stack := make([]byte, 4096)
				n := runtime.Stack(stack, false)
				g.logger.ErrorCtx(r.Context(), "panic recovered in gateway pipeline",
					log.Any("panic", rvr),
					log.String("stacktrace", string(stack[:n])),
				)
				respond.JSON(w, http.StatusInternalServerError, internalErrorBody{Error: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware builds the fixed-order pipeline:
// security-headers -> ip-filter -> security-rate-limiter ->
// request-validator -> rate-limiter -> load-balancer-proxy, with any
// absent component skipped. next is invoked only when no load
// balancer is configured (the "delegates to the host's next handler"
// case); otherwise the load balancer's proxy is the terminal stage.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	h := next

	if g.balancer != nil {
		h = g.balancer.Middleware()
	}

	if g.limiter != nil {
		h = g.limiter.Middleware(h)
	}

	if g.validator != nil {
		h = g.validator.Middleware(g.bodyFn, g.paramsFn, h)
	}

	if g.securityLimiter != nil {
		h = g.securityLimiter.Middleware(g.securityKeyFn, h)
	}

	if g.ipFilter != nil {
		h = g.ipFilter.Middleware(h)
	}

	if g.headers != nil {
		h = g.headers.Middleware(h)
	}

	return g.recoverMiddleware(h)
}

// Destroy stops the health checker's probe loop, waiting at most the
// configured drain timeout for it to finish, then destroys the load
// balancer and cancels the remaining background tasks (the
// counter-store reaper) without waiting for them. It is idempotent: a
// second call is a no-op.
func (g *Gateway) Destroy(ctx context.Context) error {
	var destroyErr error

	g.destroyOnce.Do(func() {
		g.logger.InfoCtx(ctx, "destroying gateway")

		if g.checker != nil {
			done := make(chan struct{})
			go func() {
				g.checker.Stop()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(g.drainTimeout):
				g.logger.WarnCtx(ctx, "health checker did not stop within drain timeout")
			}
		}

		if g.balancer != nil {
			g.balancer.Destroy()
		}

		g.bgCancel()
	})

	return destroyErr
}
