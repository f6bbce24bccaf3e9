// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c-hudson/has"
	"github.com/c-hudson/has/pkg/health"
	"github.com/c-hudson/has/pkg/metrics"
	"github.com/c-hudson/has/pkg/proxy"
)

const envPrefix = "HAS_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := has.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New("has", prometheus.DefaultRegisterer)

	pcfg, err := cfg.ProxyConfig()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pcfg.Logger = logger
	pcfg.Metrics = m

	svc := proxy.New(pcfg)

	monitor := health.NewMonitor(health.Options{
		BackendOnline: svc.Online,
		Sessions:      svc.Sessions,
	})
	monitor.AddProbe("goroutines", func() error {
		if count := runtime.NumGoroutine(); count > 50000 {
			return fmt.Errorf("too many goroutines: %d", count)
		}
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Listen(ctx)
	})
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		return serveHealth(ctx, cfg.HealthPort, monitor, logger)
	})
	g.Go(func() error {
		return handleSignals(ctx, cancel, svc, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("has terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("has stopped")
}

// handleSignals cancels on SIGINT/SIGTERM and reloads configuration on
// SIGHUP. A changed backend address makes the proxy fail over.
func handleSignals(ctx context.Context, cancel context.CancelFunc, svc *proxy.Service, logger *slog.Logger) error {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				logger.Info("reload signal received")
				reload(svc, logger)
				continue
			}
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func reload(svc *proxy.Service, logger *slog.Logger) {
	if err := godotenv.Overload(); err != nil {
		// .env file is optional
	}
	cfg, err := has.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("reload failed, keeping old config", slog.String("error", err.Error()))
		return
	}
	pcfg, err := cfg.ProxyConfig()
	if err != nil {
		logger.Error("reload failed, keeping old config", slog.String("error", err.Error()))
		return
	}
	svc.Reload(pcfg)
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveMetrics runs the Prometheus metrics HTTP server.
func serveMetrics(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveHTTP(ctx, port, mux, "metrics", logger)
}

// serveHealth runs the health check HTTP server.
func serveHealth(ctx context.Context, port int, monitor *health.Monitor, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", monitor.StateHandler())
	mux.HandleFunc("/ready", monitor.ReadyHandler())
	mux.HandleFunc("/live", health.LiveHandler())
	return serveHTTP(ctx, port, mux, "health", logger)
}

func serveHTTP(ctx context.Context, port int, mux *http.ServeMux, name string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting "+name+" server", slog.String("address", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
