// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus"

	v1 "sitepulse/api/v1"
	"sitepulse/internal/analytics"
	"sitepulse/internal/config"
	"sitepulse/internal/database"
	"sitepulse/internal/events"
	"sitepulse/internal/http"
	"sitepulse/internal/ingest"
	"sitepulse/internal/jobs"
	"sitepulse/internal/observability"
	"sitepulse/internal/pkg/geoip"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
	"sitepulse/internal/usage"
	"sitepulse/internal/visitors"
)

// Components are the domain services shared by the server and the admin CLI.
type Components struct {
	Store      store.EventStore
	Sink       *ingest.Sink
	Normalizer *events.Normalizer
	Engine     *analytics.Engine
	Accountant *usage.Accountant
	Retention  *jobs.RetentionJob
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Workers    []cartridge.BackgroundWorker

	closers []io.Closer
}

// NewComponents wires the event store, ingestion, queries, usage accounting
// and background jobs from the configuration.
func NewComponents(ctx context.Context, cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) (*Components, error) {
	c := &Components{Registry: prometheus.NewRegistry()}
	c.Metrics = observability.NewMetrics(c.Registry)

	fail := func(err error) (*Components, error) {
		_ = c.Close()
		return nil, err
	}

	eventStore, err := newEventStore(ctx, cfg, dbManager, logger)
	if err != nil {
		return fail(err)
	}
	c.Store = eventStore
	c.closers = append(c.closers, eventStore)

	resolver, err := geoip.NewResolver(cfg.GeoDBPath, logger)
	if err != nil {
		return fail(err)
	}
	if closer, ok := resolver.(io.Closer); ok {
		c.closers = append(c.closers, closer)
	}
	c.Normalizer = events.NewNormalizer(resolver, visitors.NewIdentity(cfg.VisitorSalt))

	var directory usage.Directory = usage.NewStaticDirectory()
	if cfg.AccountsFile != "" {
		fileDirectory, err := usage.NewFileDirectory(cfg.AccountsFile)
		if err != nil {
			return fail(&config.ConfigurationError{Field: "SITEPULSE_ACCOUNTS_FILE", Reason: err.Error()})
		}
		directory = fileDirectory
	}

	var counter *usage.RedisCounter
	var recorder ingest.UsageRecorder
	usageOpts := usage.Options{Metrics: c.Metrics, Logger: logger}
	if cfg.UsageSource == config.UsageSourceRedis {
		counter, err = usage.NewRedisCounter(ctx, usage.RedisCounterOptions{URL: cfg.RedisURL})
		if err != nil {
			return fail(err)
		}
		c.closers = append(c.closers, counter)
		recorder = counter
		usageOpts.Counter = counter
	}
	c.Accountant = usage.NewAccountant(eventStore, directory, usageOpts)

	sinkOpts := ingest.SinkOptions{
		Timeout:        cfg.IngestTimeout(),
		BufferCapacity: cfg.BufferCapacity,
		BatchSize:      cfg.FlushBatchSize,
		Metrics:        c.Metrics,
		Logger:         logger,
	}
	switch cfg.IngestMode {
	case config.IngestModeKafka:
		publisher := ingest.NewKafkaPublisher(cfg.GetKafkaBrokers(), cfg.KafkaTopic)
		c.closers = append(c.closers, publisher)
		c.Sink = ingest.NewSink(publisher, sinkOpts)
		// Usage is counted once events reach the store, on the consumer side.
		consumer := ingest.NewKafkaConsumer(cfg.GetKafkaBrokers(), cfg.KafkaTopic, cfg.KafkaGroupID, eventStore, recorder, logger)
		c.Workers = append(c.Workers, consumer)
	default:
		sinkOpts.Usage = recorder
		c.Sink = ingest.NewSink(eventStore, sinkOpts)
	}

	c.Engine = analytics.NewEngine(eventStore, analytics.Options{
		Timeout:   cfg.QueryTimeout(),
		Workers:   cfg.QueryWorkers,
		CacheSize: cfg.QueryCacheSize,
		CacheTTL:  cfg.QueryCacheTTL(),
		Metrics:   c.Metrics,
		Logger:    logger,
	})

	c.Retention = jobs.NewRetentionJob(eventStore, cfg.RetentionDays, c.Metrics, logger)
	c.Retention.OnPurge(c.Engine.InvalidateCache)

	schedulerOpts := jobs.SchedulerOptions{
		Flush:         jobs.NewFlushJob(c.Sink, logger),
		FlushInterval: cfg.FlushInterval(),
		Retention:     c.Retention,
		RetentionCron: cfg.RetentionCron,
		Logger:        logger,
	}
	if counter != nil {
		schedulerOpts.Reconcile = jobs.NewReconcileJob(c.Accountant)
		schedulerOpts.ReconcileCron = cfg.UsageReconcileCron
	}
	scheduler, err := jobs.NewScheduler(schedulerOpts)
	if err != nil {
		return fail(err)
	}
	c.Workers = append(c.Workers, scheduler)

	return c, nil
}

func newEventStore(ctx context.Context, cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) (store.EventStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverClickHouse:
		return store.NewClickHouseStore(ctx, store.ClickHouseOptions{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, logger)
	default:
		return store.NewSQLiteStore(dbManager, logger), nil
	}
}

// Migrate prepares the event store schema.
func (c *Components) Migrate(ctx context.Context) error {
	if migrator, ok := c.Store.(interface{ Migrate(context.Context) error }); ok {
		return migrator.Migrate(ctx)
	}
	return nil
}

// Close releases store connections and clients in reverse order of creation.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Services builds the HTTP handlers on top of the components.
func (c *Components) Services(cfg *config.Config) *Services {
	return &Services{
		Config: cfg,
		Events: v1.NewEventsHandler(c.Normalizer, c.Sink, v1.EventsHandlerOptions{
			IgnoreBots: cfg.IgnoreBots,
			Metrics:    c.Metrics,
		}),
		Stats:    http.NewStatsHandler(c.Engine, timeframe.NewTimeFrameParser()),
		Usage:    http.NewUsageHandler(c.Accountant),
		Health:   http.NewHealthHandler(c.Store, c.Sink.Pending),
		Registry: c.Registry,
	}
}

// Application wraps cartridge.Application with the sitepulse components
type Application struct {
	*cartridge.Application
	DBManager  *database.DBManager
	Components *Components
}

// NewServerConfig returns the HTTP server settings. Tracked pages live on
// other origins, so browser beacons arrive as cross-site requests.
func NewServerConfig() *cartridge.ServerConfig {
	serverCfg := cartridge.DefaultServerConfig()
	serverCfg.EnableSecFetchSite = true
	serverCfg.SecFetchSiteAllowedValues = []string{"cross-site", "same-site", "same-origin"}
	return serverCfg
}

// NewApp creates the application: database, components, routes and workers.
func NewApp(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	components, err := NewComponents(context.Background(), cfg, dbManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		ServerConfig:      NewServerConfig(),
		RouteMountFunc:    MountAppRoutes(components.Services(cfg)),
		BackgroundWorkers: components.Workers,
	})
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Components:  components,
	}, nil
}

// MigrateDatabase migrates the SQLite database and, when configured, the
// ClickHouse event table.
func (a *Application) MigrateDatabase(ctx context.Context) error {
	if err := a.DBManager.MigrateDatabase(); err != nil {
		return err
	}
	return a.Components.Migrate(ctx)
}

// Shutdown stops the server and workers, then closes store connections.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Application.Shutdown(ctx)
	return errors.Join(err, a.Components.Close())
}
