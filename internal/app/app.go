// Package app provides unified lifecycle management for the Sightline
// services: the collector API, the enrichment pipeline, and the hourly
// archiver, selected by mode.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/archiver"
	"github.com/sightline/sightline/internal/batch"
	"github.com/sightline/sightline/internal/collector"
	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/enrich"
	"github.com/sightline/sightline/internal/feed"
	"github.com/sightline/sightline/internal/identity"
	"github.com/sightline/sightline/internal/logging"
	"github.com/sightline/sightline/internal/metrics"
	"github.com/sightline/sightline/internal/rawstore"
	"github.com/sightline/sightline/internal/server"
	"github.com/sightline/sightline/internal/session"
	"github.com/sightline/sightline/internal/storage"
)

// purgeInterval is how often expired identity, session, and raw-event rows
// are reaped.
const purgeInterval = time.Hour

// App manages all Sightline service lifecycles.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Shared resources
	storage  storage.ObjectStorage
	shutdown *server.ShutdownManager

	// Pipeline components
	identityStore *identity.Store
	sessionStore  *session.Store
	consumer      *feed.Consumer

	// Collector components
	rawStore        *rawstore.Store
	publisher       feed.Publisher
	collectorServer *http.Server

	// Archiver
	archiver *archiver.Archiver

	metricsServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}, nil
}

// Logger exposes the application logger for the command layer.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})

	if err := a.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if a.cfg.ShouldRunCollector() || a.cfg.ShouldRunArchiver() {
		raw, err := rawstore.NewStore(a.cfg.Collector.RawDBPath)
		if err != nil {
			return fmt.Errorf("failed to open raw-event store: %w", err)
		}
		a.rawStore = raw
		a.shutdown.RegisterCloser(raw)
	}

	if a.cfg.ShouldRunCollector() {
		if err := a.startCollector(); err != nil {
			return fmt.Errorf("failed to start collector: %w", err)
		}
	}

	if a.cfg.ShouldRunPipeline() {
		if err := a.startPipeline(ctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}
	}

	if a.cfg.ShouldRunArchiver() {
		a.startArchiver(ctx)
	}

	a.startMetricsServer()
	a.startPurgeLoop(ctx)

	a.logger.Info("sightline started",
		zap.String("mode", string(a.cfg.Mode)),
		zap.String("environment", a.cfg.Environment),
		zap.String("storage", a.cfg.Storage.Type))
	return nil
}

// Stop shuts down all services gracefully.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("sightline stopping")
	a.cancel()

	err := a.shutdown.Shutdown(ctx)
	a.wg.Wait()

	a.logger.Info("sightline stopped")
	a.logger.Sync()
	return err
}

func (a *App) initStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Storage.S3.Region,
			Endpoint: a.cfg.Storage.S3.Endpoint,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return err
	}

	a.logger.Info("object storage initialized", zap.String("type", a.cfg.Storage.Type))
	return nil
}

func (a *App) startCollector() error {
	pub := feed.NewKafkaPublisher(a.cfg.Feed)
	a.publisher = pub
	a.shutdown.RegisterCloser(pub)

	c := collector.New(a.rawStore, a.publisher, a.cfg.Collector,
		a.cfg.Identity.RetentionDays, logging.Component(a.logger, "collector"), a.metrics)

	srv := c.Server()
	srv.Handler = server.ShutdownMiddleware(a.shutdown)(srv.Handler)
	a.collectorServer = srv
	a.shutdown.RegisterCloser(&server.HTTPServerCloser{Server: srv})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("collector listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("collector server failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startPipeline(ctx context.Context) error {
	identityStore, err := identity.NewStore(a.cfg.Identity.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	a.identityStore = identityStore
	a.shutdown.RegisterCloser(identityStore)

	sessionStore, err := session.NewStore(a.cfg.Session.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	a.sessionStore = sessionStore
	a.shutdown.RegisterCloser(sessionStore)

	resolver := identity.NewResolver(identityStore, a.cfg.Identity,
		logging.Component(a.logger, "identity"), a.metrics)
	tracker := session.NewTracker(sessionStore, a.cfg.Session,
		logging.Component(a.logger, "session"), a.metrics)
	writer := batch.NewWriter(a.storage, a.cfg.Enrichment.Version, a.cfg.Environment,
		logging.Component(a.logger, "batch"), a.metrics)
	pipeline := enrich.NewPipeline(resolver, tracker, writer,
		a.cfg.Enrichment.Version, a.cfg.Environment,
		logging.Component(a.logger, "enrich"), a.metrics)

	a.consumer = feed.NewConsumer(a.cfg.Feed, pipeline.ProcessBatch,
		logging.Component(a.logger, "feed"), a.metrics)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.consumer.Run(ctx); err != nil && err != context.Canceled {
			a.logger.Error("feed consumer stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startArchiver(ctx context.Context) {
	a.archiver = archiver.New(a.rawStore, a.storage, a.cfg.Archiver.Interval,
		a.cfg.Environment, logging.Component(a.logger, "archiver"), a.metrics)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.archiver.Run(ctx); err != nil && err != context.Canceled {
			a.logger.Error("archiver stopped", zap.Error(err))
		}
	}()
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.shutdown.IsShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	a.metricsServer = srv
	a.shutdown.RegisterCloser(&server.HTTPServerCloser{Server: srv})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// startPurgeLoop reaps expired rows from the durable stores on an interval.
func (a *App) startPurgeLoop(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.purgeExpired(ctx)
			}
		}
	}()
}

func (a *App) purgeExpired(ctx context.Context) {
	now := time.Now()

	if a.identityStore != nil {
		if n, err := a.identityStore.PurgeExpired(ctx, now); err != nil {
			a.logger.Warn("identity purge failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("purged expired identities", zap.Int64("rows", n))
		}
	}
	if a.sessionStore != nil {
		if n, err := a.sessionStore.PurgeExpired(ctx, now); err != nil {
			a.logger.Warn("session purge failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("purged expired sessions", zap.Int64("rows", n))
		}
	}
	if a.rawStore != nil {
		if n, err := a.rawStore.PurgeExpired(ctx, now); err != nil {
			a.logger.Warn("raw event purge failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("purged expired raw events", zap.Int64("rows", n))
		}
	}
}
