// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/api"
	"github.com/JakeFAU/stagestream/internal/bridge"
	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/config"
	"github.com/JakeFAU/stagestream/internal/id/uuid"
	"github.com/JakeFAU/stagestream/internal/logging"
	"github.com/JakeFAU/stagestream/internal/metrics"
	"github.com/JakeFAU/stagestream/internal/progress"
	progresssinks "github.com/JakeFAU/stagestream/internal/progress/sinks"
	"github.com/JakeFAU/stagestream/internal/publisher"
	"github.com/JakeFAU/stagestream/internal/simulate"
	memorystore "github.com/JakeFAU/stagestream/internal/storage/memory"
	pgstore "github.com/JakeFAU/stagestream/internal/storage/postgres"
	"github.com/JakeFAU/stagestream/internal/store"
	"github.com/JakeFAU/stagestream/internal/subscriber"
	"github.com/JakeFAU/stagestream/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	registry       *prometheus.Registry
	metrics        *metrics.Metrics
	broker         broker.Broker
	statuses       store.StatusRepository
	pgStatuses     *pgstore.StatusStore
	progressHub    *progress.Hub
	bridge         *bridge.Bridge
	simulator      *simulate.Dispatcher
	apiServer      *api.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Broker     string `json:"broker"`
		Namespace  string `json:"namespace"`
		Postgres   bool   `json:"postgres"`
		Simulate   bool   `json:"simulate"`
	}
	logger.Info("Creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Broker:     cfg.Broker.Kind,
		Namespace:  cfg.Channel.Namespace,
		Postgres:   cfg.DB.DSN != "",
		Simulate:   cfg.Simulate.Enabled,
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Broker returns the transport shared by publishers and stream sessions.
func (a *App) Broker() broker.Broker {
	return a.broker
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.simulator != nil {
		go func() {
			a.logger.Info("simulator started")
			a.simulator.Run(ctx)
		}()
	}

	// Stream handlers hold their request open until the client leaves, so
	// they need a context that ends with the server, not only with the client.
	streamCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStreams()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.simulator != nil {
		a.simulator.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// Publishers flush into the hub, so it closes after the simulator and
	// before the stores its sinks write to.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
	}
	if a.pgStatuses != nil {
		a.pgStatuses.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr-backed loggers reports EINVAL on some platforms.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName,
		telemetry.WithSampleRatio(cfg.Telemetry.SampleRatio))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	if err = setupBroker(ctx, app); err != nil {
		app.closeObservability(ctx)
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}

	setupBridge(app)
	setupSimulator(app)

	deps := api.Dependencies{
		Broker:   app.broker,
		Bridge:   app.bridge,
		Statuses: app.statuses,
		Metrics:  app.metrics,
		Gatherer: app.registry,
		Logger:   logger,
	}
	if app.simulator != nil {
		deps.Launcher = app.simulator
	}
	app.apiServer = api.NewServer(*cfg, deps)

	return app, nil
}

// NewBroker opens the broker selected by cfg. It is shared by the server and
// by one-shot commands that only publish.
func NewBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		rb, err := broker.NewRedisBroker(ctx, broker.RedisConfig{
			Addr:             cfg.Redis.Addr,
			Username:         cfg.Redis.Username,
			Password:         cfg.Redis.Password,
			DB:               cfg.Redis.DB,
			PoolSize:         cfg.Redis.PoolSize,
			MinIdleConns:     cfg.Redis.MinIdleConns,
			DialTimeout:      cfg.Redis.DialTimeout,
			ConnectTimeout:   cfg.Redis.ConnectTimeout,
			SubscriberBuffer: cfg.Broker.SubscriberBuffer,
		}, logger.Named("broker"))
		if err != nil {
			return nil, fmt.Errorf("redis broker init failed: %w", err)
		}
		return rb, nil
	default:
		return broker.NewMemoryBroker(broker.MemoryConfig{
			SubscriberBuffer: cfg.Broker.SubscriberBuffer,
		}), nil
	}
}

func setupBroker(ctx context.Context, app *App) error {
	b, err := NewBroker(ctx, app.cfg, app.logger)
	if err != nil {
		return err
	}
	app.broker = b
	if rb, ok := b.(*broker.RedisBroker); ok {
		app.metrics.WatchRedisPool(rb.PoolStats)
		app.logger.Info("using redis broker", zap.String("addr", app.cfg.Redis.Addr))
		return nil
	}
	app.logger.Warn("using in-memory broker; streams are only visible within this process")
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping stage status in memory")
		app.statuses = memorystore.NewStatusStore()
		return nil
	}
	pg, err := pgstore.NewStatusStore(ctx, pgstore.StatusStoreConfig{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("status store init failed: %w", err)
	}
	app.pgStatuses = pg
	app.statuses = pg
	if app.cfg.DB.AutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("status schema migration failed: %w", err)
		}
	}
	app.logger.Info("postgres status store initialized")
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.statuses, app.logger.Named("progress_store")),
		promSink,
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

// PublisherOptions returns the options every in-process publisher is built
// with, so status tracking and metrics see its events.
func (a *App) PublisherOptions() []publisher.Option {
	return []publisher.Option{
		publisher.WithObserver(a.progressHub),
		publisher.WithMetrics(a.metrics),
	}
}

// setupBridge hands the bridge the root logger; bridge.New names it.
func setupBridge(app *App) {
	app.bridge = bridge.New(app.broker, bridge.Config{
		Namespace:         app.cfg.Namespace(),
		Subscriber:        SubscriberConfig(app.cfg.Subscriber),
		HeartbeatInterval: app.cfg.Bridge.HeartbeatInterval,
	}, app.logger, app.metrics)
}

func setupSimulator(app *App) {
	if !app.cfg.Simulate.Enabled {
		app.logger.Info("simulator disabled")
		return
	}
	app.simulator = simulate.New(app.broker, uuid.New(), simulate.Config{
		Namespace: app.cfg.Namespace(),
		Publisher: PublisherConfig(app.cfg),
		StepDelay: app.cfg.Simulate.StepDelay,
	}, app.logger, app.PublisherOptions()...)
	app.logger.Info("simulator enabled", zap.Duration("step_delay", app.cfg.Simulate.StepDelay))
}

// PublisherConfig converts the publisher section of cfg.
func PublisherConfig(cfg *config.Config) publisher.Config {
	return publisher.Config{
		QueueSize:      cfg.Publisher.QueueSize,
		PublishTimeout: cfg.Publisher.PublishTimeout,
		DrainTimeout:   cfg.Publisher.DrainTimeout,
	}
}

// SubscriberConfig converts the validated subscriber settings. A configured
// max_decode_errors of 0 disables escalation, which the subscriber package
// spells as a negative limit.
func SubscriberConfig(c config.SubscriberConfig) subscriber.Config {
	limit := c.MaxDecodeErrors
	if limit == 0 {
		limit = -1
	}
	return subscriber.Config{IdleTimeout: c.IdleTimeout, MaxDecodeErrors: limit}
}
