// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/lwm2m"
	"github.com/absmach/lwm2m/examples/simple"
	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/health"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/object"
	"github.com/absmach/lwm2m/pkg/ratelimit"
	"github.com/absmach/lwm2m/pkg/rd"
	"github.com/absmach/lwm2m/pkg/server/tcp"
	"github.com/absmach/lwm2m/pkg/server/udp"
	"github.com/absmach/lwm2m/pkg/service"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

//go:embed objects.yaml
var defaultObjects []byte

// clockInterval is how often the Device object's current time is refreshed.
const clockInterval = 10 * time.Second

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := lwm2m.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("LWM2M service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("LWM2M service stopped")
}

func run(cfg lwm2m.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New(nil, "lwm2m")

	objects, err := loadObjects(cfg.ObjectsFile, logger)
	if err != nil {
		return err
	}
	objects.HandleExecute(uri.Resource(3, 0, 4), func(ctx context.Context, u uri.URI, _ []byte) error {
		logger.Warn("reboot requested", slog.String("uri", u.String()))
		return nil
	})

	persister, err := rd.NewFilePersister(cfg.RDStateDir)
	if err != nil {
		return err
	}
	store, err := rd.NewStore(ctx, rd.Config{
		DefaultTTL: cfg.RDDefaultTTL,
		Persister:  persister,
		Breaker: breaker.New(breaker.Config{
			MaxFailures:      cfg.BreakerMaxFailures,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessThreshold: 2,
		}),
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimited() {
		if limiter, err = ratelimit.NewLimiter(ratelimit.Config{
			Capacity:   cfg.RateCapacity,
			RefillRate: cfg.RateRefill,
		}); err != nil {
			return err
		}
	}

	svc, err := service.New(service.Config{
		Engine: coap.Config{
			BlockSize:      cfg.BlockSize,
			MaxMessageSize: cfg.MaxMessageSize,
			AckTimeout:     cfg.AckTimeout,
			MaxRetransmit:  cfg.MaxRetransmit,
		},
		UDP: udp.Config{
			Address:         cfg.UDPAddress(),
			SessionTimeout:  cfg.SessionTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxSessions:     cfg.MaxSessions,
			WorkerPoolSize:  cfg.Workers,
			Limiter:         limiter,
		},
		TCP: tcp.Config{
			Address:         cfg.TCPAddress(),
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxConnections:  cfg.MaxConnections,
			IdleTimeout:     cfg.SessionTimeout,
			Limiter:         limiter,
		},
		ExpireInterval: cfg.RDExpireInterval,
		Middleware:     simple.Middleware(logger),
		Metrics:        m,
		Logger:         logger,
	}, objects, store)
	if err != nil {
		return errors.Join(err, store.Close())
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("failed to close service", slog.String("error", err.Error()))
		}
	}()

	checker := health.NewChecker(health.DefaultCacheTTL)
	svc.RegisterChecks(checker)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	startHTTPServer(ctx, g, "metrics", cfg.MetricsPort, metricsMux, logger)
	startHTTPServer(ctx, g, "health", cfg.HealthPort, checker.Handler(), logger)

	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		return updateClock(ctx, objects)
	})
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	return g.Wait()
}

func loadObjects(path string, logger *slog.Logger) (*object.Registry, error) {
	var (
		f   *object.File
		err error
	)
	if path == "" {
		f, err = object.ParseFile(defaultObjects)
	} else {
		f, err = object.LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load object definitions: %w", err)
	}
	return object.New(f, logger)
}

// updateClock keeps the Device object's current time resource fresh so
// observers of it are notified.
func updateClock(ctx context.Context, objects *object.Registry) error {
	current := uri.Resource(3, 0, 13)
	ticker := time.NewTicker(clockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := objects.SetValue(ctx, current, data.Int(current.ResourceID, now.Unix())); err != nil {
				return fmt.Errorf("failed to update current time: %w", err)
			}
		}
	}
}

// setupLogger creates a structured logger with the configured level and format.
func setupLogger(cfg lwm2m.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.Level(),
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startHTTPServer serves h on port until ctx is cancelled. An empty port
// disables the server.
func startHTTPServer(ctx context.Context, g *errgroup.Group, name, port string, h http.Handler, logger *slog.Logger) {
	if port == "" {
		return
	}
	srv := &http.Server{
		Addr:         net.JoinHostPort("", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("name", name), slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
