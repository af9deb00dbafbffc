// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/guardian/internal/api"
	"github.com/flyingrobots/guardian/internal/backend"
	"github.com/flyingrobots/guardian/internal/bucket"
	"github.com/flyingrobots/guardian/internal/cbreaker"
	"github.com/flyingrobots/guardian/internal/clock"
	"github.com/flyingrobots/guardian/internal/config"
	"github.com/flyingrobots/guardian/internal/limiter"
	"github.com/flyingrobots/guardian/internal/obs"
	"github.com/flyingrobots/guardian/internal/redisclient"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var listenAddr string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&listenAddr, "listen", ":8080", "Address the decision API listens on")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	lim, closeBackend, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build limiter", obs.Err(err))
	}
	defer closeBackend()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	metricsSrv := obs.StartHTTPServer(cfg, func(context.Context) error { return nil })
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	apiSrv := api.NewServer(listenAddr, lim, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- apiSrv.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown error", obs.Err(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Fatal("api server stopped", obs.Err(err))
		}
	}
}

// buildLimiter wires a Backend matching cfg.Backend into a Limiter,
// returning a close func that releases Redis connections the backend
// does not own (spec.md section 4.2's storage-backend selection).
func buildLimiter(cfg *config.Config, logger *zap.Logger) (*limiter.Limiter, func(), error) {
	policy := bucket.Policy{
		Capacity:       cfg.Policy.Capacity,
		RefillRate:     cfg.Policy.RefillRate,
		RefillInterval: cfg.Policy.RefillInterval,
	}

	failMode := limiter.FailOpen
	if cfg.FailMode == "fail_closed" {
		failMode = limiter.FailClosed
	}

	switch cfg.Backend {
	case "local":
		var opts []backend.LocalOption
		if cfg.IdleEviction > 0 {
			opts = append(opts, backend.WithIdleEviction(cfg.IdleEviction))
		}
		b := backend.NewLocal(policy, clock.Real{}, logger, opts...)
		return limiter.New(b, failMode, "local", logger), func() { _ = b.Close() }, nil

	case "remote":
		rdb := redisclient.New(cfg)
		var opts []backend.RemoteOption
		if cfg.MaxInFlight > 0 {
			opts = append(opts, backend.WithMaxInFlight(cfg.MaxInFlight))
		}
		if cfg.CoordinatorBreaker.Enabled {
			br := cbreaker.New(cfg.CoordinatorBreaker.Window, cfg.CoordinatorBreaker.CooldownPeriod,
				cfg.CoordinatorBreaker.FailureThreshold, cfg.CoordinatorBreaker.MinSamples)
			opts = append(opts, backend.WithBreaker(br))
		}
		b := backend.NewRemote(rdb, policy, cfg.RoutingPrefix, cfg.KeyTTL, logger, opts...)
		return limiter.New(b, failMode, "remote", logger), func() { _ = b.Close(); _ = rdb.Close() }, nil

	case "batched":
		rdb := redisclient.New(cfg)
		var opts []backend.RemoteOption
		if cfg.MaxInFlight > 0 {
			opts = append(opts, backend.WithMaxInFlight(cfg.MaxInFlight))
		}
		if cfg.CoordinatorBreaker.Enabled {
			br := cbreaker.New(cfg.CoordinatorBreaker.Window, cfg.CoordinatorBreaker.CooldownPeriod,
				cfg.CoordinatorBreaker.FailureThreshold, cfg.CoordinatorBreaker.MinSamples)
			opts = append(opts, backend.WithBreaker(br))
		}
		remote := backend.NewRemote(rdb, policy, cfg.RoutingPrefix, cfg.KeyTTL, logger, opts...)
		b, err := backend.NewBatched(remote, policy, cfg.Batch.Size, cfg.Batch.Lease, cfg.Batch.CacheSize, clock.Real{})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("build batched backend: %w", err)
		}
		return limiter.New(b, failMode, "batched", logger), func() { _ = b.Close(); _ = rdb.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
