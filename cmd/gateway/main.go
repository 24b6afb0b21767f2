package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Third-Opinion/FhirRagApi/internal/api"
	"github.com/Third-Opinion/FhirRagApi/internal/upstream"
	"github.com/Third-Opinion/FhirRagApi/pkg/admission"
	"github.com/Third-Opinion/FhirRagApi/pkg/cache"
	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/gateway"
	"github.com/Third-Opinion/FhirRagApi/pkg/invalidation"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

var (
	version = "1.0.0"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fhirrag-gateway v%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := gateway.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	var logger observability.Logger = observability.NewLogger("fhirrag-gateway")
	if std, ok := logger.(*observability.StandardLogger); ok {
		logger = std.WithLevel(observability.ParseLogLevel(level))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Gateway exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *gateway.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewPrometheusMetricsClient("fhirrag")
	defer func() { _ = metrics.Close() }()

	keys := cachekey.NewBuilder(cfg.KeyPrefix)

	// The Redis tier is optional. Without it the gateway runs on the
	// local tier alone and invalidations stay instance-local.
	var rdb *redis.Client
	var remote cache.Cache
	if cfg.DistributedEnabled {
		rdb = cache.NewRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Degraded start; the circuit breaker keeps reads flowing
			// and the bus retries its subscription with backoff.
			logger.Warn("Redis unreachable at startup, continuing degraded", map[string]interface{}{
				"address": cfg.Redis.Address,
				"error":   err.Error(),
			})
		}
		remote = cache.NewRedisCacheFromClient(rdb)
		defer func() { _ = rdb.Close() }()
	} else {
		logger.Info("Distributed tier disabled, running local-only", nil)
	}

	tiered, err := cache.NewTieredCache(cfg.TieredConfig(), remote, logger.WithPrefix("cache"), metrics)
	if err != nil {
		return fmt.Errorf("failed to build cache: %w", err)
	}

	bus := invalidation.NewBus(rdb, cfg.InvalidationChannel, tiered, keys, logger.WithPrefix("invalidation"), metrics)
	if rdb != nil {
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("failed to start invalidation bus: %w", err)
		}
	}
	defer func() { _ = bus.Close() }()

	controller := admission.NewController(cfg.Admission, logger.WithPrefix("admission"), metrics)
	defer controller.Close()

	up, err := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, logger.WithPrefix("upstream"))
	if err != nil {
		return err
	}

	orch := gateway.NewOrchestrator(controller, tiered, bus, keys, logger.WithPrefix("gateway"), metrics)
	server := api.NewServer(orch, up, logger.WithPrefix("api"), metrics, metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", map[string]interface{}{
			"address":  cfg.Server.Listen,
			"upstream": cfg.Upstream.BaseURL,
			"version":  version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("Shutdown complete", nil)
	return nil
}
