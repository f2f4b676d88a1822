package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/definitions"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/middleware"
	"github.com/matt-riley/flagsync/internal/remote"
	"github.com/matt-riley/flagsync/internal/server"
	"github.com/matt-riley/flagsync/internal/service"
	"github.com/matt-riley/flagsync/internal/snapshot"
	"github.com/matt-riley/flagsync/internal/sysmetrics"
	"github.com/matt-riley/flagsync/internal/telemetry"
	"github.com/matt-riley/flagsync/internal/tracing"
	"github.com/matt-riley/flagsync/internal/transport"
	"github.com/matt-riley/flagsync/internal/usage"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	tracerShutdownTimeout = 5 * time.Second
)

func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent and its local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, version)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, version string) error {
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	m := metrics.New()

	store, closeStore, err := openSnapshotStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	uploader, err := newUploader(cfg)
	if err != nil {
		return err
	}
	if uploader != nil {
		defer func() {
			if err := uploader.Close(); err != nil {
				log.Warn("close uploader", "error", err)
			}
		}()
	}

	svc, err := buildService(cfg, version, log, m, store, uploader)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, cfg, log, m),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	if err := svc.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	log.Info("agent started",
		"http_addr", listener.Addr().String(),
		"offline", cfg.Offline(),
		"environment", cfg.Environment,
		"snapshot_backend", cfg.SnapshotBackend,
		"upload", cfg.UploadAddr != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("agent shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = fmt.Errorf("shutdown HTTP: %w", err)
		}
		if err := svc.Close(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close service: %w", err))
		}
		return shutdownErr
	})

	return g.Wait()
}

func buildService(cfg config.Config, version string, log *slog.Logger, m *metrics.Metrics, store snapshot.Store, uploader transport.Uploader) (*service.Service, error) {
	var fetcher definitions.Fetcher
	if !cfg.Offline() {
		fetcher = remote.NewClient(remote.Config{
			BaseURL:     cfg.BaseURL,
			AppKey:      cfg.AppKey,
			Environment: cfg.Environment,
			UserAgent:   "flagsync/" + version,
		})
	}

	sourceOpts := []definitions.Option{
		definitions.WithLogger(logging.Component(log, "definitions")),
		definitions.WithMetrics(m),
		definitions.WithDefaults(core.DefaultDefinitions(cfg.DefaultFlags)),
		definitions.WithRefreshInterval(cfg.RefreshInterval),
		definitions.WithFetchTimeout(cfg.FetchTimeout),
		definitions.WithReadiness(cfg.ReadyAttempts, cfg.ReadyInterval),
		definitions.WithLiveUpdates(remote.WebsocketDialer{}),
		definitions.WithLiveUpdateSpacing(cfg.LiveUpdateSpacing),
	}
	if store != nil {
		sourceOpts = append(sourceOpts, definitions.WithSnapshotStore(store))
	}
	source := definitions.New(fetcher, sourceOpts...)

	evaluator := service.NewEvaluator(source, core.NewFilters(), cfg.UndefinedEnabled, logging.Component(log, "evaluator"))
	registry := telemetry.NewRegistry(logging.Component(log, "registry"))

	usageAgg := usage.New(uploader, usage.Config{
		AppKey:        cfg.AppKey,
		Environment:   cfg.Environment,
		InstanceName:  cfg.InstanceName,
		AppVersion:    cfg.AppVersion,
		FlushInterval: cfg.FlushInterval,
		ResetInterval: cfg.UniqueResetInterval,
		UploadTimeout: cfg.UploadTimeout,
	}, usage.WithLogger(logging.Component(log, "usage")), usage.WithMetrics(m))

	telemetryAgg := telemetry.New(uploader, registry, telemetry.Config{
		AppKey:        cfg.AppKey,
		Environment:   cfg.Environment,
		InstanceName:  cfg.InstanceName,
		FlushInterval: cfg.FlushInterval,
		UploadTimeout: cfg.UploadTimeout,
	},
		telemetry.WithLogger(logging.Component(log, "telemetry")),
		telemetry.WithMetrics(m),
		telemetry.WithExperiments(evaluator),
	)

	if cfg.SystemMetrics {
		collector, err := sysmetrics.New(quartz.NewReal())
		if err != nil {
			return nil, fmt.Errorf("init system metrics: %w", err)
		}
		collector.Register(registry)
	}

	return service.New(evaluator,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithUsage(usageAgg),
		service.WithTelemetry(telemetryAgg, registry),
	), nil
}

func newUploader(cfg config.Config) (transport.Uploader, error) {
	if cfg.UploadAddr == "" {
		return nil, nil
	}

	retry := transport.DefaultRetryPolicy()
	switch cfg.UploadProtocol {
	case config.ProtocolHTTP:
		return transport.NewHTTPUploader(transport.HTTPConfig{BaseURL: cfg.UploadAddr, Retry: retry}), nil
	default:
		uploader, err := transport.NewGRPCUploader(transport.GRPCConfig{Address: cfg.UploadAddr, Retry: retry})
		if err != nil {
			return nil, fmt.Errorf("init grpc uploader: %w", err)
		}
		return uploader, nil
	}
}

func newHTTPHandler(svc server.Service, cfg config.Config, log *slog.Logger, m *metrics.Metrics) http.Handler {
	handler := server.NewHTTPHandler(svc, server.WithMetrics(m))
	handler = middleware.RequestTracking(cfg.IdentityHeader)(handler)
	handler = middleware.HTTPRequestLogging(logging.Component(log, "http"))(handler)
	return otelhttp.NewHandler(handler, "flagsync-http")
}
