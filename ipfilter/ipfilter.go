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

// Package ipfilter implements a whitelist/blacklist/hybrid CIDR
// policy. A Filter's compiled rule set is swapped atomically on
// AddRule/RemoveRule so concurrent requests never observe a
// partially rebuilt rule list.
package ipfilter

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/log"
)

type (
	// Action is the verdict a matched rule carries.
	Action string

	// Mode selects the filter's default-admission policy.
	Mode string

	// Option configures a Filter during construction.
	Option func(f *Filter)

	// Rule is a single policy entry, compiled at construction (or on
	// a later AddRule call) into either the exact-match map or the
	// priority-sorted CIDR list.
	Rule struct {
		// Pattern is an exact IP address or a CIDR range.
		Pattern string

		Action Action

		// Priority orders CIDR matches; higher wins. Exact matches are
		// always checked first regardless of priority.
		Priority int

		Description string
	}

	// Verdict is the outcome of evaluating one client IP.
	Verdict struct {
		Allowed     bool
		Action      Action
		MatchedRule *Rule
		Reason      string
	}

	// Config is the declarative policy handed to New.
	Config struct {
		Mode Mode

		// DefaultAction applies in Hybrid mode when no rule matches.
		DefaultAction Action

		// Whitelist entries compile to Allow rules at priority 100.
		Whitelist []string

		// Blacklist entries compile to Block rules at priority 90.
		Blacklist []string

		// Rules are user-supplied entries; a zero Priority defaults to 50.
		Rules []Rule

		// TrustProxy enables X-Forwarded-For/X-Real-IP derivation of
		// the client IP ahead of the socket peer address.
		TrustProxy bool
	}

	// Filter evaluates client IPs against a Config's compiled rules.
	Filter struct {
		mode          Mode
		defaultAction Action
		trustProxy    bool
		logger        *log.Logger

		compiled atomic.Pointer[compiledRules]

		evaluationsTotal *prometheus.CounterVec
	}

	compiledRules struct {
		exact map[string]Rule
		cidr  []compiledCIDR
	}

	compiledCIDR struct {
		network *net.IPNet
		rule    Rule
		seq     int
	}
)

const (
	Allow Action = "Allow"
	Block Action = "Block"
	Log   Action = "Log"

	Whitelist Mode = "whitelist"
	Blacklist Mode = "blacklist"
	Hybrid    Mode = "hybrid"
)

// WithLogger sets the logger used for skipped-rule warnings.
func WithLogger(l *log.Logger) Option {
	return func(f *Filter) {
		f.logger = l.Named("ipfilter")
	}
}

// WithRegisterer registers this filter's metrics against r instead of
// the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(f *Filter) {
		f.registerMetrics(r)
	}
}

// New compiles cfg into a Filter. Invalid entries (unparsable IPs or
// CIDRs) are skipped with a warning; they never fail construction.
func New(cfg Config, options ...Option) *Filter {
	f := &Filter{
		mode:          cfg.Mode,
		defaultAction: cfg.DefaultAction,
		trustProxy:    cfg.TrustProxy,
		logger:        log.NewLogger(),
	}

	f.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(f)
	}

	// Whitelist mode is default-deny. Hybrid mode with a whitelist
	// present is also default-deny: listing admitted addresses implies
	// everything else is not.
	if f.defaultAction == "" {
		switch {
		case f.mode == Whitelist:
			f.defaultAction = Block
		case f.mode == Hybrid && len(cfg.Whitelist) > 0:
			f.defaultAction = Block
		default:
			f.defaultAction = Allow
		}
	}

	rules := make([]Rule, 0, len(cfg.Whitelist)+len(cfg.Blacklist)+len(cfg.Rules))
	for _, pattern := range cfg.Whitelist {
		rules = append(rules, Rule{Pattern: pattern, Action: Allow, Priority: 100, Description: "whitelist"})
	}
	for _, pattern := range cfg.Blacklist {
		rules = append(rules, Rule{Pattern: pattern, Action: Block, Priority: 90, Description: "blacklist"})
	}
	for _, r := range cfg.Rules {
		if r.Priority == 0 {
			r.Priority = 50
		}
		rules = append(rules, r)
	}

	f.compiled.Store(compile(rules, f.logger))

	return f
}

func (f *Filter) registerMetrics(r prometheus.Registerer) {
	f.evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ipfilter",
			Name:      "evaluations_total",
			Help:      "Total number of client IP evaluations, by action.",
		},
		[]string{"action"},
	)
	if err := r.Register(f.evaluationsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			f.evaluationsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func compile(rules []Rule, logger *log.Logger) *compiledRules {
	c := &compiledRules{
		exact: make(map[string]Rule),
	}

	for i, r := range rules {
		if ip := net.ParseIP(r.Pattern); ip != nil {
			c.exact[ip.String()] = r
			continue
		}

		_, network, err := net.ParseCIDR(r.Pattern)
		if err != nil {
			logger.Warn("skipping invalid ip filter rule",
				log.String("pattern", r.Pattern),
				log.Error(err),
			)
			continue
		}

		c.cidr = append(c.cidr, compiledCIDR{network: network, rule: r, seq: i})
	}

	// Descending priority, ties broken by insertion order (ascending
	// seq).
	sort.SliceStable(c.cidr, func(i, j int) bool {
		if c.cidr[i].rule.Priority != c.cidr[j].rule.Priority {
			return c.cidr[i].rule.Priority > c.cidr[j].rule.Priority
		}
		return c.cidr[i].seq < c.cidr[j].seq
	})

	return c
}

// AddRule appends rule to the filter's rule set and recompiles,
// swapping the new compiled rules in atomically.
func (f *Filter) AddRule(rule Rule) {
	if rule.Priority == 0 {
		rule.Priority = 50
	}

	cur := f.compiled.Load()
	rules := flatten(cur)
	rules = append(rules, rule)
	f.compiled.Store(compile(rules, f.logger))
}

// RemoveRule drops every rule whose Pattern matches pattern and
// recompiles.
func (f *Filter) RemoveRule(pattern string) {
	cur := f.compiled.Load()
	rules := flatten(cur)

	kept := rules[:0]
	for _, r := range rules {
		if r.Pattern != pattern {
			kept = append(kept, r)
		}
	}

	f.compiled.Store(compile(kept, f.logger))
}

func flatten(c *compiledRules) []Rule {
	rules := make([]Rule, 0, len(c.exact)+len(c.cidr))
	for _, r := range c.exact {
		rules = append(rules, r)
	}
	for _, cc := range c.cidr {
		rules = append(rules, cc.rule)
	}
	return rules
}

// ClientIP derives the request's client IP: when TrustProxy is set,
// the first entry of X-Forwarded-For, else X-Real-IP, else the socket
// peer; otherwise the socket peer only. An unparsable candidate falls
// back to the socket peer.
func (f *Filter) ClientIP(r *http.Request) string {
	peer := socketPeer(r.RemoteAddr)

	if !f.trustProxy {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		candidate := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		candidate := strings.TrimSpace(xri)
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}

	return peer
}

func socketPeer(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Evaluate returns the verdict for a client IP: exact match first,
// then the CIDR list in priority order; the first containing range
// wins.
func (f *Filter) Evaluate(ip string) *Verdict {
	v := f.evaluate(ip)
	f.evaluationsTotal.WithLabelValues(string(v.Action)).Inc()
	return v
}

func (f *Filter) evaluate(ip string) *Verdict {
	c := f.compiled.Load()

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return &Verdict{Allowed: f.defaultAction != Block, Action: f.defaultAction, Reason: "unparsable client ip"}
	}

	if rule, ok := c.exact[parsed.String()]; ok {
		return f.verdictFor(rule, "exact match")
	}

	for _, cc := range c.cidr {
		if cc.network.Contains(parsed) {
			return f.verdictFor(cc.rule, fmt.Sprintf("cidr match %s", cc.network.String()))
		}
	}

	return &Verdict{
		Allowed: f.defaultAction != Block,
		Action:  f.defaultAction,
		Reason:  "no matching rule",
	}
}

func (f *Filter) verdictFor(rule Rule, reason string) *Verdict {
	r := rule
	switch rule.Action {
	case Block:
		return &Verdict{Allowed: false, Action: Block, MatchedRule: &r, Reason: reason}
	case Log:
		return &Verdict{Allowed: true, Action: Log, MatchedRule: &r, Reason: reason}
	default:
		return &Verdict{Allowed: true, Action: Allow, MatchedRule: &r, Reason: reason}
	}
}

type refusalBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// Middleware evaluates the client IP ahead of next. A Block verdict
// short-circuits with HTTP 403; a Log verdict is recorded and the
// request admitted; an Allow verdict admits silently.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := f.ClientIP(r)
		verdict := f.Evaluate(ip)

		if verdict.Action == Log {
			f.logger.InfoCtx(r.Context(), "ip filter log rule matched",
				log.String("ip", ip),
				log.String("reason", verdict.Reason),
			)
		}

		if !verdict.Allowed {
			respond.JSON(w, http.StatusForbidden, refusalBody{
				Error:     "ip address blocked",
				Code:      "IP_BLOCKED",
				Timestamp: time.Now().Format(time.RFC3339),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
