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

package gateway

import (
	"regexp"
	"time"

	"go.gearno.de/gateway/breaker"
	"go.gearno.de/gateway/healthcheck"
	"go.gearno.de/gateway/ipfilter"
	"go.gearno.de/gateway/loadbalancer"
	"go.gearno.de/gateway/log"
	"go.gearno.de/gateway/ratelimiter"
	"go.gearno.de/gateway/secheaders"
	"go.gearno.de/gateway/validator"
)

// Config is the nested configuration mapping the gateway accepts. It
// is decoded the same way unit.Unit decodes its own configuration:
// YAML on disk, converted to JSON with sigs.k8s.io/yaml, then
// unmarshaled with encoding/json, nested under the host's "gateway:"
// key. Every duration in this tree is expressed in whole milliseconds
// ("windowMs"/"interval"/"timeout"), since encoding/json has no notion
// of a time.Duration string form.
type Config struct {
	RateLimiter  *RateLimiterConfig  `json:"rateLimiter,omitempty"`
	LoadBalancer *LoadBalancerConfig `json:"loadBalancer,omitempty"`
	Security     SecurityConfig      `json:"security,omitempty"`
	Logging      *LoggingConfig      `json:"logging,omitempty"`
}

// LoggingConfig is the "logging" configuration section. It only
// applies when the host does not inject its own logger via WithLogger;
// an injected logger always wins, since the host usually wants one
// logger across its whole process.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default
	// "info".
	Level string `json:"level,omitempty"`

	// Format is one of "text", "json", "pretty". Default "json".
	Format string `json:"format,omitempty"`
}

// RemoteStoreConfig configures the distributed counterstore.Store
// variant a RateLimiterConfig or SecurityRateLimiterConfig selects via
// its Store field. Only the fields relevant to the selected Store are
// read.
type RemoteStoreConfig struct {
	// Addrs holds one Redis address (host:port) or several
	// sentinel/cluster addresses; redis.UniversalClient picks the
	// topology from how many addresses are given and whether
	// MasterName is set.
	Addrs      []string `json:"addrs,omitempty"`
	MasterName string   `json:"masterName,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	DB         int      `json:"db,omitempty"`
	KeyPrefix  string   `json:"keyPrefix,omitempty"`

	// Table names the backing table for the "postgres" Store; a
	// pg.Client must be supplied via WithPostgresClient since its own
	// connection configuration is a host concern.
	Table string `json:"table,omitempty"`
}

// RateLimiterConfig is the "rateLimiter" configuration section.
type RateLimiterConfig struct {
	WindowMs    int64  `json:"windowMs"`
	MaxRequests int    `json:"maxRequests"`
	Message     string `json:"message,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Headers     *bool  `json:"headers,omitempty"`

	// Store selects the counterstore.Store backend: "memory" (default)
	// | "redis" | "postgres". An unreachable remote store falls back
	// to memory with a warning.
	Store  string             `json:"store,omitempty"`
	Remote *RemoteStoreConfig `json:"remote,omitempty"`
}

// SecurityRateLimiterConfig is the "security.rateLimiter" anti-abuse
// variant: attempt counting with a long-lived block on trip.
type SecurityRateLimiterConfig struct {
	MaxAttempts     int    `json:"maxAttempts"`
	AttemptWindowMs int64  `json:"attemptWindowMs"`
	BlockDurationMs int64  `json:"blockDurationMs"`
	Message         string `json:"message,omitempty"`

	Store  string             `json:"store,omitempty"`
	Remote *RemoteStoreConfig `json:"remote,omitempty"`
}

// TargetConfig is one entry of "loadBalancer.targets".
type TargetConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// HealthCheckConfig is the "loadBalancer.healthCheck" section.
type HealthCheckConfig struct {
	Enabled              bool              `json:"enabled"`
	Type                 string            `json:"type,omitempty"`
	Endpoint             string            `json:"endpoint,omitempty"`
	IntervalMs           int64             `json:"interval,omitempty"`
	TimeoutMs            int64             `json:"timeout,omitempty"`
	SuccessThreshold     int               `json:"successThreshold,omitempty"`
	FailureThreshold     int               `json:"failureThreshold,omitempty"`
	ExpectedStatusCodes  []int             `json:"expectedStatusCodes,omitempty"`
	ExpectedResponseBody string            `json:"expectedResponseBody,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
}

// CircuitBreakerConfig is the "loadBalancer.circuitBreaker" section.
// MonitoringPeriodMs is accepted for configuration-schema
// compatibility but is not consumed: the breaker's trip decision only
// ever examines the counters accumulated since the breaker last
// closed, never a rolling time window, so there is
// nothing in breaker.Policy for it to configure.
type CircuitBreakerConfig struct {
	FailureThreshold    int     `json:"failureThreshold,omitempty"`
	RecoveryTimeoutMs   int64   `json:"recoveryTimeout,omitempty"`
	MonitoringPeriodMs  int64   `json:"monitoringPeriod,omitempty"`
	ExpectedFailureRate float64 `json:"expectedFailureRate,omitempty"`
	MinimumRequests     int     `json:"minimumRequests,omitempty"`
}

// LoadBalancerConfig is the "loadBalancer" configuration section.
type LoadBalancerConfig struct {
	Targets        []TargetConfig        `json:"targets"`
	HealthCheck    *HealthCheckConfig    `json:"healthCheck,omitempty"`
	ProxyTimeoutMs int64                 `json:"proxyTimeout,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty"`
}

// IPRuleConfig is one entry of "security.ipFilter.rules".
type IPRuleConfig struct {
	Pattern     string `json:"pattern"`
	Action      string `json:"action"`
	Priority    int    `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
}

// IPFilterConfig is the "security.ipFilter" configuration section.
type IPFilterConfig struct {
	Mode          string         `json:"mode,omitempty"`
	DefaultAction string         `json:"defaultAction,omitempty"`
	Whitelist     []string       `json:"whitelist,omitempty"`
	Blacklist     []string       `json:"blacklist,omitempty"`
	Rules         []IPRuleConfig `json:"rules,omitempty"`
	TrustProxy    bool           `json:"trustProxy,omitempty"`
}

// FieldRuleConfig is one declarative field rule, the JSON-decodable
// counterpart of validator.FieldRule: Pattern is a regular expression
// source string compiled at Create time, and CustomFn has no wire
// form — attach one after construction with WithValidatorCustomFunc.
type FieldRuleConfig struct {
	Field    string `json:"field"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`

	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`

	Pattern       string   `json:"pattern,omitempty"`
	Sanitize      bool     `json:"sanitize,omitempty"`
	AllowedValues []string `json:"allowedValues,omitempty"`
}

// ValidatorConfig is the "security.validator" configuration section.
type ValidatorConfig struct {
	Headers []FieldRuleConfig `json:"headers,omitempty"`
	Query   []FieldRuleConfig `json:"query,omitempty"`
	Body    []FieldRuleConfig `json:"body,omitempty"`
	Params  []FieldRuleConfig `json:"params,omitempty"`

	StrictMode          bool     `json:"strictMode,omitempty"`
	AllowedContentTypes []string `json:"allowedContentTypes,omitempty"`
	MaxBodySize         int64    `json:"maxBodySize,omitempty"`
	SanitizeInput       bool     `json:"sanitizeInput,omitempty"`
}

// SecurityConfig is the "security" configuration section.
type SecurityConfig struct {
	IPFilter    *IPFilterConfig            `json:"ipFilter,omitempty"`
	RateLimiter *SecurityRateLimiterConfig `json:"rateLimiter,omitempty"`
	Validator   *ValidatorConfig           `json:"validator,omitempty"`

	// Headers reuses secheaders.Policy directly: every field already
	// round-trips through encoding/json (pointer-to-string fields
	// distinguish "unset, use default" from "explicitly disabled").
	Headers *secheaders.Policy `json:"headers,omitempty"`
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func loggingOptions(cfg *LoggingConfig) []log.Option {
	if cfg == nil {
		return nil
	}

	var opts []log.Option
	switch cfg.Level {
	case "debug":
		opts = append(opts, log.WithLevel(log.LevelDebug))
	case "warn":
		opts = append(opts, log.WithLevel(log.LevelWarn))
	case "error":
		opts = append(opts, log.WithLevel(log.LevelError))
	}
	if cfg.Format != "" {
		opts = append(opts, log.WithFormat(cfg.Format))
	}
	return opts
}

func toHealthCheckPolicy(cfg *HealthCheckConfig) healthcheck.Policy {
	policy := healthcheck.Policy{
		Enabled:              cfg.Enabled,
		Type:                 healthcheck.ProbeType(cfg.Type),
		Endpoint:             cfg.Endpoint,
		Interval:             msToDuration(cfg.IntervalMs),
		Timeout:              msToDuration(cfg.TimeoutMs),
		SuccessThreshold:     cfg.SuccessThreshold,
		FailureThreshold:     cfg.FailureThreshold,
		ExpectedStatusCodes:  cfg.ExpectedStatusCodes,
		ExpectedResponseBody: cfg.ExpectedResponseBody,
	}

	if policy.Type == "" {
		policy.Type = healthcheck.HTTP
	}
	if policy.Endpoint == "" {
		policy.Endpoint = "/health"
	}

	if len(cfg.Headers) > 0 {
		h := make(map[string][]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			h[k] = []string{v}
		}
		policy.Headers = h
	}

	return policy
}

func toBreakerPolicy(cfg *CircuitBreakerConfig) breaker.Policy {
	return breaker.Policy{
		FailureThreshold:    cfg.FailureThreshold,
		MinimumRequests:     cfg.MinimumRequests,
		ExpectedFailureRate: cfg.ExpectedFailureRate,
		RecoveryTimeout:     msToDuration(cfg.RecoveryTimeoutMs),
	}
}

func toIPFilterConfig(cfg *IPFilterConfig) ipfilter.Config {
	rules := make([]ipfilter.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, ipfilter.Rule{
			Pattern:     r.Pattern,
			Action:      ipfilter.Action(r.Action),
			Priority:    r.Priority,
			Description: r.Description,
		})
	}

	return ipfilter.Config{
		Mode:          ipfilter.Mode(cfg.Mode),
		DefaultAction: ipfilter.Action(cfg.DefaultAction),
		Whitelist:     cfg.Whitelist,
		Blacklist:     cfg.Blacklist,
		Rules:         rules,
		TrustProxy:    cfg.TrustProxy,
	}
}

func toFieldRules(cfgs []FieldRuleConfig) []validator.FieldRule {
	rules := make([]validator.FieldRule, 0, len(cfgs))
	for _, c := range cfgs {
		rule := validator.FieldRule{
			Field:         c.Field,
			Type:          validator.FieldType(c.Type),
			Required:      c.Required,
			MinLength:     c.MinLength,
			MaxLength:     c.MaxLength,
			Min:           c.Min,
			Max:           c.Max,
			Sanitize:      c.Sanitize,
			AllowedValues: c.AllowedValues,
		}
		if c.Pattern != "" {
			if re, err := regexp.Compile(c.Pattern); err == nil {
				rule.Pattern = re
			}
		}
		rules = append(rules, rule)
	}
	return rules
}

func toValidatorConfig(cfg *ValidatorConfig) validator.Config {
	return validator.Config{
		Headers:             toFieldRules(cfg.Headers),
		Query:               toFieldRules(cfg.Query),
		Body:                toFieldRules(cfg.Body),
		Params:              toFieldRules(cfg.Params),
		StrictMode:          cfg.StrictMode,
		AllowedContentTypes: cfg.AllowedContentTypes,
		MaxBodySize:         cfg.MaxBodySize,
		SanitizeInput:       cfg.SanitizeInput,
	}
}

func toTargets(cfgs []TargetConfig) []loadbalancer.Target {
	targets := make([]loadbalancer.Target, 0, len(cfgs))
	for _, c := range cfgs {
		scheme := c.Scheme
		if scheme == "" {
			scheme = "http"
		}
		targets = append(targets, loadbalancer.Target{
			Host:   c.Host,
			Port:   c.Port,
			Scheme: scheme,
			Weight: c.Weight,
		})
	}
	return targets
}

func toRateLimiterPolicy(cfg *RateLimiterConfig) ratelimiter.Policy {
	return ratelimiter.Policy{
		Window:      msToDuration(cfg.WindowMs),
		MaxRequests: cfg.MaxRequests,
		Message:     cfg.Message,
		StatusCode:  cfg.StatusCode,
		Headers:     cfg.Headers,
	}
}

func toSecurityPolicy(cfg *SecurityRateLimiterConfig) ratelimiter.SecurityPolicy {
	return ratelimiter.SecurityPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		AttemptWindow: msToDuration(cfg.AttemptWindowMs),
		BlockDuration: msToDuration(cfg.BlockDurationMs),
		Message:       cfg.Message,
	}
}
