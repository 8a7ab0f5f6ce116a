// Package app wires configuration, stores and services into a running node.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/tierstore/internal/config"
	"github.com/devrev/pairdb/tierstore/internal/health"
	"github.com/devrev/pairdb/tierstore/internal/metrics"
	"github.com/devrev/pairdb/tierstore/internal/server"
	"github.com/devrev/pairdb/tierstore/internal/service"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
	"github.com/devrev/pairdb/tierstore/internal/storage/coldstore"
	"github.com/devrev/pairdb/tierstore/internal/storage/cursor"
	"github.com/devrev/pairdb/tierstore/internal/storage/hotstore"
	"github.com/devrev/pairdb/tierstore/internal/storage/journal"
	"github.com/devrev/pairdb/tierstore/internal/storage/sqlitedb"
	"github.com/devrev/pairdb/tierstore/internal/util/retry"
	"github.com/devrev/pairdb/tierstore/internal/util/workerpool"
)

// App holds a fully wired node
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Hot      storage.HotStore
	Writer   storage.HotWriter
	Cold     storage.ColdStore
	Locator  *service.LocatorService // nil when the index is disabled
	Archival *service.ArchivalService
	Reader   *service.ReadService
	Health   *health.HealthChecker

	namer    *batch.Namer
	pool     *workerpool.WorkerPool
	gatherer prometheus.Gatherer
	closers  []func() error
}

// NewLogger builds the process logger from logging configuration
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// New opens the configured stores and creates every service. reg receives
// the node's metrics; nil uses a private registry.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*App, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.NewMetrics(cfg.NodeID, reg),
		namer:    batch.NewNamer(),
		gatherer: reg,
	}

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}

	hot, err := a.openHotStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Writer = hot
	retryingHot := storage.WithHotRetry(hot, policy, logger.Named("hot"))
	a.Hot = retryingHot

	cold, err := a.openColdStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	retryingCold := storage.WithColdRetry(cold, policy, logger.Named("cold"))
	a.Cold = retryingCold

	codec := batch.NewCodec()

	if cfg.Index.Enabled {
		var j storage.IndexJournal
		if cfg.Index.JournalPath != "" {
			if err := ensureParent(cfg.Index.JournalPath); err != nil {
				a.Close()
				return nil, err
			}
			sj, err := journal.Open(cfg.Index.JournalPath)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.closers = append(a.closers, sj.Close)
			j = sj
		}
		a.Locator = service.NewLocatorService(a.Cold, codec, j,
			service.LocatorConfig{RebuildConcurrency: cfg.Index.RebuildConcurrency},
			a.Metrics, logger.Named("locator"))
		a.closers = append(a.closers, func() error {
			a.Locator.Close()
			return nil
		})
	}

	cursors, err := a.openCursorStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "hot-deletes",
		MaxWorkers: cfg.Archival.DeleteWorkers,
		Logger:     logger,
	})
	a.closers = append(a.closers, func() error {
		return a.pool.Stop(30 * time.Second)
	})

	a.Archival = service.NewArchivalService(a.Hot, a.Cold, codec, a.namer, a.Locator, cursors, a.pool,
		service.ArchivalConfig{
			BatchSize:          cfg.Archival.BatchSize,
			Concurrency:        cfg.Archival.Concurrency,
			DeleteRetryLimit:   cfg.Archival.DeleteRetryLimit,
			DeleteRetryBackoff: cfg.Archival.DeleteRetryBackoff,
			DeleteRateLimit:    cfg.Archival.DeleteRateLimit,
			DeleteBurst:        cfg.Archival.DeleteBurst,
			OverlapPolicy:      cfg.Archival.OverlapPolicy,
			CycleTimeout:       cfg.Archival.CycleTimeout,
			WriteRetry:         policy,
		},
		a.Metrics, logger.Named("archival"))

	a.Reader, err = service.NewReadService(a.Hot, a.Cold, a.Locator, codec,
		service.ReadConfig{
			FallbackTimeout:     cfg.Read.FallbackTimeout,
			DegradedScanEnabled: cfg.Read.DegradedScanEnabled,
			BatchCacheSize:      cfg.Read.BatchCacheSize,
		},
		a.Metrics, logger.Named("read"))
	if err != nil {
		a.Close()
		return nil, err
	}

	hcfg := &health.HealthCheckConfig{
		NodeID:              cfg.NodeID,
		Hot:                 retryingHot,
		Cold:                retryingCold,
		DegradedScanEnabled: cfg.Read.DegradedScanEnabled,
	}
	if a.Locator != nil {
		hcfg.Index = a.Locator
	}
	a.Health = health.NewHealthChecker(hcfg, logger.Named("health"))

	return a, nil
}

type hotBackend interface {
	storage.HotStore
	storage.HotWriter
}

func (a *App) openHotStore(ctx context.Context) (hotBackend, error) {
	cfg := a.Config.HotStore
	switch cfg.Driver {
	case "memory":
		return hotstore.NewMemoryStore(), nil

	case "sqlite":
		if err := ensureParent(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		db, err := sqlitedb.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return hotstore.NewSQLiteStore(db), nil

	case "postgres":
		s, err := hotstore.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if cfg.Postgres.EnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil

	case "redis":
		s, err := hotstore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown hot store driver %q", cfg.Driver)
	}
}

func (a *App) openColdStore(ctx context.Context) (storage.ColdStore, error) {
	cfg := a.Config.ColdStore
	switch cfg.Driver {
	case "memory":
		return coldstore.NewMemoryStore(), nil

	case "fs":
		return coldstore.NewFSStore(cfg.FS.Root, a.Logger)

	case "gcs":
		s, err := coldstore.NewGCSStore(ctx, coldstore.GCSOptions{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			Endpoint:        cfg.GCS.Endpoint,
			CredentialsFile: cfg.GCS.CredentialsFile,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown cold store driver %q", cfg.Driver)
	}
}

func (a *App) openCursorStore() (storage.CursorStore, error) {
	path := a.Config.Archival.CursorPath
	if path == "" {
		a.Logger.Warn("No cursor path configured, interrupted cycles will re-archive their batches")
		return cursor.NewMemoryStore(), nil
	}
	return cursor.NewFileStore(path)
}

// Warm loads the locator index and advances batch sequences past every
// existing batch
func (a *App) Warm(ctx context.Context) error {
	names, err := a.Cold.List(ctx, batch.NamePrefix)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}
	infos, _ := batch.SortNewestFirst(names)
	if len(infos) > 0 {
		a.namer.Observe(infos[0].Sequence)
	}

	if a.Locator == nil {
		return nil
	}
	return a.Locator.Load(ctx)
}

// Serve runs the admin server, health checks and the scheduler until ctx
// is done, then shuts them down
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	// Reads are served while the index warms; they scan or fail fast until
	// it is ready
	go func() {
		if err := a.Warm(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("Failed to warm locator index", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Health.Start(healthCtx)
	}()

	var scheduler *service.SchedulerService
	if cfg.Archival.ScheduleInterval > 0 {
		scheduler = service.NewSchedulerService(a.Archival, cfg.Archival.ScheduleInterval,
			cfg.Archival.RetentionPeriod, a.Logger.Named("scheduler"))
		scheduler.Start()
	}

	var index server.IndexAdmin
	if a.Locator != nil {
		index = a.Locator
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	handlers := server.NewHandlers(a.Archival, a.Reader, index, cfg.Archival.RetentionPeriod, a.Logger.Named("admin"))
	srv := server.NewAdminServer(&server.AdminServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  metricsPath,
		Gatherer:     a.gatherer,
	}, handlers, a.Health, a.Logger.Named("admin"))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutdown requested")
	case serveErr = <-errChan:
		a.Logger.Error("Admin server stopped", zap.Error(serveErr))
	}

	a.Health.SetReadiness(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shut down admin server", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	stopHealth()
	wg.Wait()
	return serveErr
}

// Close releases stores and background workers in reverse order of creation
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}
