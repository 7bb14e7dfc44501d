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

// Command gatewayd assembles a gateway.Gateway in front of a stub
// upstream and serves it with httpserver, driven by unit.Unit for its
// process lifecycle (signals, metrics server, tracing exporter).
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"go.gearno.de/gateway/gateway"
	"go.gearno.de/gateway/httpserver"
	"go.gearno.de/gateway/internal/respond"
	"go.gearno.de/gateway/log"
	"go.gearno.de/gateway/migrator"
	"go.gearno.de/gateway/pg"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// app is the unit.Runnable + unit.Configurable gatewayd runs: it owns
// the config, the stub upstream (if configured), the gateway, and the
// public-facing HTTP server.
type app struct {
	cfg    *config
	logger *log.Logger
	reg    prometheus.Registerer
}

func newApp(logger *log.Logger) *app {
	return &app{
		cfg:    defaultConfig(),
		logger: logger.Named("gatewayd"),
		reg:    prometheus.DefaultRegisterer,
	}
}

// GetConfiguration implements unit.Configurable.
func (a *app) GetConfiguration() any {
	return a.cfg
}

func (a *app) Run(ctx context.Context) error {
	var pgClient *pg.Client
	if a.cfg.Postgres != nil {
		var err error
		pgClient, err = pg.NewClient(
			pg.WithAddr(a.cfg.Postgres.Addr),
			pg.WithUser(a.cfg.Postgres.User),
			pg.WithPassword(a.cfg.Postgres.Password),
			pg.WithDatabase(a.cfg.Postgres.Database),
			pg.WithLogger(a.logger),
			pg.WithTracerProvider(otel.GetTracerProvider()),
			pg.WithRegisterer(a.reg),
		)
		if err != nil {
			return fmt.Errorf("cannot create postgres client: %w", err)
		}

		m := migrator.NewMigrator(pgClient, migrationsFS, a.logger)
		if err := m.Run(ctx, "migrations"); err != nil {
			return fmt.Errorf("cannot apply counter store migrations: %w", err)
		}
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(a.logger),
		gateway.WithTracerProvider(otel.GetTracerProvider()),
		gateway.WithRegisterer(a.reg),
	}
	if pgClient != nil {
		gwOpts = append(gwOpts, gateway.WithPostgresClient(pgClient))
	}

	gw, err := gateway.Create(ctx, a.cfg.Gateway, gwOpts...)
	if err != nil {
		return fmt.Errorf("cannot create gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Destroy(shutdownCtx); err != nil {
			a.logger.Error("cannot destroy gateway cleanly", log.Error(err))
		}
	}()

	var upstream *http.Server
	if a.cfg.UpstreamAddr != "" {
		upstream = newStubUpstream(a.cfg.UpstreamAddr, a.logger)
		go func() {
			if err := upstream.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("stub upstream server failed", log.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			upstream.Shutdown(shutdownCtx)
		}()
	}

	handler := gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusNotFound, map[string]string{"error": "no route"})
	}))

	server := httpserver.NewServer(
		a.cfg.Addr,
		handler,
		httpserver.WithLogger(a.logger),
		httpserver.WithTracerProvider(otel.GetTracerProvider()),
		httpserver.WithRegisterer(a.reg),
	)

	errCh := make(chan error, 1)
	go func() {
		a.logger.InfoCtx(ctx, "starting gatewayd", log.String("addr", a.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gatewayd server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

// newStubUpstream is the backend the demo load balancer proxies to:
// a 200 on /health for the health checker, and an echo of the request
// method/path everywhere else.
func newStubUpstream(addr string, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ErrorLog:          stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
