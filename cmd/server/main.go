// Package main is the entry point for the cellucid server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/atlasmap-sc/cellucid/internal/api"
	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/compute"
	"github.com/atlasmap-sc/cellucid/internal/config"
	"github.com/atlasmap-sc/cellucid/internal/data/zarr"
	"github.com/atlasmap-sc/cellucid/internal/datalayer"
	"github.com/atlasmap-sc/cellucid/internal/dataset"
	"github.com/atlasmap-sc/cellucid/internal/logx"
	"github.com/atlasmap-sc/cellucid/internal/memwatch"
	"github.com/atlasmap-sc/cellucid/internal/metrics"
	"github.com/atlasmap-sc/cellucid/internal/notify"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/prefetch"
	"github.com/atlasmap-sc/cellucid/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logx.NewLogger(cfg.Log.Level)
	log := logx.Component(logger, "main")
	log.Info().Int("port", cfg.Server.Port).Msg("starting cellucid server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Decompressed chunks are shared by every field read.
	chunks, err := cache.NewChunkCache(cache.ChunkConfig{
		SizeMB: cfg.Cache.ChunkCacheMB,
		TTL:    cfg.Cache.ChunkTTL(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk cache")
	}
	defer chunks.Close()

	reader, err := zarr.NewReader(cfg.Data.ZarrPath, chunks)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Data.ZarrPath).Msg("failed to open dataset")
	}
	defer reader.Close()

	md := reader.Metadata()
	catalog, err := dataset.FromZarr(md)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build catalog")
	}
	log.Info().
		Str("dataset", md.DatasetName).
		Int("cells", md.NCells).
		Int("obs_fields", len(md.Obs)).
		Int("genes", len(md.Genes)).
		Msg("dataset loaded")

	m := metrics.New()

	monitor := memwatch.New(memwatch.Config{
		HeapLimitBytes: cfg.Memory.HeapLimitBytes(),
		PollInterval:   cfg.Memory.PollInterval(),
	}, logx.Component(logger, "memwatch"))
	monitor.Start(ctx)
	if limit := cfg.Memory.HeapLimitBytes(); limit > 0 {
		log.Info().Str("heap_limit", humanize.IBytes(limit)).Msg("memory monitor enabled")
	}

	notifications := notify.NewRecorder(cfg.Notify.HistoryLimit, notify.NewLogSink(logx.Component(logger, "notify")))
	registry := pages.NewMemoryRegistry()

	engine := compute.NewEngine(runtime.NumCPU())
	defer engine.Close()

	dlCfg := datalayer.Config{
		ResultCacheSize:   cfg.Cache.ResultCacheSize,
		ResultMaxAge:      cfg.Cache.ResultMaxAge(),
		BulkCacheSize:     cfg.Cache.BulkCacheSize,
		BulkMaxAge:        cfg.Cache.BulkTTL(),
		BulkBatchSize:     cfg.Bulk.BatchSize,
		MinLoadingVisible: cfg.Notify.MinVisible(),
		Prefetch: prefetch.Config{
			Enabled:   cfg.Prefetch.IsEnabled(),
			Debounce:  cfg.Prefetch.Debounce(),
			Interval:  cfg.Prefetch.Interval(),
			BatchSize: cfg.Prefetch.Batch,
		},
	}
	data, err := datalayer.New(datalayer.Options{
		Config:  dlCfg,
		Catalog: catalog,
		Loader:  dataset.NewStoreLoader(reader, logx.Component(logger, "loader")),
		Pages:   registry,
		Backend: func() (compute.Backend, error) {
			return engine, nil
		},
		Sink:      notifications,
		Monitor:   monitor,
		Metrics:   m,
		Log:       logx.Component(logger, "datalayer"),
		Resetters: []datalayer.Resetter{chunks},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize data layer")
	}
	data.Init()
	defer data.Destroy()

	// DE jobs run on the data layer and persist to SQLite.
	deService := service.NewDEService(data, cfg.DE.MaxGenes, logx.Component(logger, "de"))
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.DE.MaxConcurrent,
		SQLitePath:    cfg.DE.SQLitePath,
		Retention:     cfg.DE.Retention(),
		CleanupPeriod: 1 * time.Hour,
		Metrics:       m,
		Log:           logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize job manager")
	}
	jobManager.Executor = deService.ExecuteDEJob
	log.Info().
		Int("max_concurrent", cfg.DE.MaxConcurrent).
		Int("retention_days", cfg.DE.RetentionDays).
		Str("sqlite", cfg.DE.SQLitePath).
		Msg("DE job manager ready")

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Services: &api.Services{
			Title:         cfg.Server.Title,
			Data:          data,
			Pages:         registry,
			Notifications: notifications,
			Monitor:       monitor,
			DE:            deService,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Metrics:     m,
		Log:         logx.Component(logger, "http"),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
