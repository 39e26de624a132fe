// Command threads-demo starts threads between a sender and a receiver tenant in three session layouts
// and loads them back through the inline Thread projection.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/memoryengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/oteladapters"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/postgresengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/postgresengine/pgsettings"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/promadapters"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore/sqliteengine"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads"
)

const serviceName = "threads-demo"

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, toml, json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("threads demo failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := cfg.logLevel()
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	storeOptions := []eventstore.Option{
		eventstore.WithContextualLogger(oteladapters.NewSlogBridgeLoggerWithHandler(handler)),
	}

	if cfg.Tracing.Enabled {
		tracerProvider, err := newTracerProvider(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tracerProvider.Shutdown(context.Background()) }()

		storeOptions = append(storeOptions, eventstore.WithTracing(oteladapters.NewTracingCollector(tracerProvider.Tracer(serviceName))))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapters.NewContextualMetricsCollector(
		promadapters.NewMetricsCollector(registry, promadapters.WithNamespace("threads_demo")),
		traceIDFromContext,
	)
	storeOptions = append(storeOptions, eventstore.WithMetrics(metrics))

	store, err := threads.NewStore(backend, storeOptions...)
	if err != nil {
		return err
	}

	results, err := threads.RunScenarios(ctx, store, cfg.Sender, cfg.Receiver)
	for _, result := range results {
		logger.Info(
			"scenario finished",
			"scenario", result.Name,
			"sender_thread", result.SenderThread != nil,
			"receiver_thread", result.ReceiverThread != nil,
			"duration_ms", float64(result.Duration.Microseconds())/1000.0,
		)
	}

	if err != nil {
		return err
	}

	if cfg.Metrics.Listen == "" {
		return nil
	}

	return serveMetrics(ctx, cfg.Metrics.Listen, registry, logger)
}

func newBackend(
	ctx context.Context,
	cfg Config,
	configPath string,
	logger *slog.Logger,
) (eventstore.Backend, func(), error) {
	switch cfg.Backend {
	case backendSQLite:
		backend, err := sqliteengine.NewBackend(cfg.SQLite.Dir, sqliteengine.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}

		return backend, func() { _ = backend.Close() }, nil

	case backendPostgres:
		return newPostgresBackend(ctx, cfg, configPath, logger)

	default:
		return memoryengine.NewBackend(memoryengine.WithLogger(logger)), func() {}, nil
	}
}

func newPostgresBackend(
	ctx context.Context,
	cfg Config,
	configPath string,
	logger *slog.Logger,
) (eventstore.Backend, func(), error) {
	settings, err := pgsettings.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	poolConfig, err := settings.PGXPoolConfig()
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	options := []postgresengine.Option{postgresengine.WithLogger(logger)}

	switch cfg.Tenancy.Style {
	case postgresengine.SchemaPerTenant.String():
		options = append(options, postgresengine.WithTenancy(postgresengine.SchemaPerTenant))
	case postgresengine.Conjoined.String():
		options = append(options, postgresengine.WithTenancy(postgresengine.Conjoined))
	default:
		pool.Close()
		return nil, nil, eventstore.ConfigurationError(eventstore.ErrInvalidOption, "tenancy.style "+cfg.Tenancy.Style)
	}

	if cfg.Tenancy.TablePrefix != "" {
		options = append(options, postgresengine.WithTablePrefix(cfg.Tenancy.TablePrefix))
	}

	backend, err := postgresengine.NewBackendFromPGXPool(pool, options...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	return backend, pool.Close, nil
}

func newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	return tracerProvider, nil
}

func traceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.HasTraceID() {
		return ""
	}

	return spanContext.TraceID().String()
}

func serveMetrics(ctx context.Context, listen string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics until interrupted", "listen", listen)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}

	return nil
}
