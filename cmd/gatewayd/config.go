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

package main

import "go.gearno.de/gateway/gateway"

// config is the "gatewayd" section of the unit configuration file; it
// satisfies unit.Configurable so -print-cfg and -cfg-file both reach
// it.
type config struct {
	// Addr is the gatewayd HTTP listener address.
	Addr string `json:"addr"`

	// UpstreamAddr, when set, starts an in-process stub upstream on
	// this address, so the whole pipeline can be exercised without a
	// real backend. The load balancer targets are not rewritten: the
	// default configuration's only target, 127.0.0.1:8081, matches the
	// default UpstreamAddr.
	UpstreamAddr string `json:"upstreamAddr"`

	// Postgres, when non-nil, is used both to run the counter-store
	// migration and as the backing store for any "postgres"-typed
	// counterstore section in Gateway.
	Postgres *postgresConfig `json:"postgres,omitempty"`

	Gateway gateway.Config `json:"gateway"`
}

type postgresConfig struct {
	Addr     string `json:"addr"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

func defaultConfig() *config {
	return &config{
		Addr:         ":8080",
		UpstreamAddr: ":8081",
		Gateway: gateway.Config{
			RateLimiter: &gateway.RateLimiterConfig{
				WindowMs:    60_000,
				MaxRequests: 100,
			},
			LoadBalancer: &gateway.LoadBalancerConfig{
				Targets: []gateway.TargetConfig{
					{Host: "127.0.0.1", Port: 8081, Scheme: "http"},
				},
				HealthCheck: &gateway.HealthCheckConfig{
					Enabled:    true,
					Type:       "http",
					Endpoint:   "/health",
					IntervalMs: 5_000,
					TimeoutMs:  2_000,
				},
			},
			Security: gateway.SecurityConfig{
				IPFilter: &gateway.IPFilterConfig{
					Mode:          "blacklist",
					DefaultAction: "Allow",
				},
			},
		},
	}
}

