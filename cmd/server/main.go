// Command gnssbus-server runs one gnssbus instance: the terminal-command
// service, the event bus and its HTTP / WebSocket surface.
//
// Usage:
//
//	gnssbus-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/gnssbus/internal/broker"
	"github.com/snehjoshi/gnssbus/internal/config"
	"github.com/snehjoshi/gnssbus/internal/eventbus"
	"github.com/snehjoshi/gnssbus/internal/metrics"
	"github.com/snehjoshi/gnssbus/internal/node"
	transphttp "github.com/snehjoshi/gnssbus/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gnssbus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	logger.Info("gnssbus starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"cache", cfg.Cache.Mode,
		"store", cfg.Store.Driver,
		"relay", cfg.Relay.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Broker (actors, bus, cache, store, relay, membership) ─────────────
	metricsReg := &metrics.Registry{}
	b, err := broker.New(ctx, cfg, n.ID().String(),
		broker.WithMetrics(metricsReg),
		broker.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	if err := eventbus.SetDefault(b.Bus()); err != nil {
		return fmt.Errorf("install event bus: %w", err)
	}

	// ── 5. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(b, cfg, metricsReg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gnssbus ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 6. Dedicated Prometheus metrics listener ─────────────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 7. Relay consumer and membership session ─────────────────────────────
	g.Go(func() error { return b.Run(gctx) })

	// ── 8. Graceful shutdown on SIGINT / SIGTERM or a failed component ───────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutCtx)
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil {
		logger.Warn("broker close error", "err", err)
	}

	logger.Info("gnssbus stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
