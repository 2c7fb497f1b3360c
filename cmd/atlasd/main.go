package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/config"
	"atlas/internal/consolidate"
	"atlas/internal/events"
	"atlas/internal/ingest"
	"atlas/internal/logging"
	"atlas/internal/objectstore"
	"atlas/internal/observability"
	"atlas/internal/retention"
	"atlas/internal/rpc"
	"atlas/internal/storage"
	"atlas/internal/tracker"
	"atlas/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("atlasd")
	}
}

func run() error {
	configPath := os.Getenv("ATLAS_CONFIG")
	if configPath == "" {
		configPath = "atlas.yaml"
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl := logging.New(os.Stdout, cfg.LogLevel)
	var lg logging.Logger = zl

	baseCtx := context.Background()

	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Observability)
	if err != nil {
		lg.Warn("otel init failed, continuing without observability", map[string]any{"err": err.Error()})
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	var archive storage.ArchiveStore
	if cfg.Retention.Archive.Bucket != "" {
		s3store, err := objectstore.NewS3Store(baseCtx, cfg.Retention.Archive)
		if err != nil {
			return fmt.Errorf("init archive object store: %w", err)
		}
		archive = retention.NewObjectStoreArchive(s3store, cfg.Retention.Archive.Prefix)
	}

	storageCfg := storage.Config{
		DefaultDSN:  cfg.Storage.DefaultDSN,
		Metadata:    storage.TierConfig{Backend: cfg.Storage.Metadata.Backend, DSN: cfg.Storage.Metadata.DSN},
		FullText:    storage.TierConfig{Backend: cfg.Storage.FullText.Backend, DSN: cfg.Storage.FullText.DSN},
		Cache:       storage.TierConfig{Backend: cfg.Storage.Cache.Backend, DSN: cfg.Storage.Cache.DSN},
		Analytics:   storage.TierConfig{Backend: cfg.Storage.Analytics.Backend, DSN: cfg.Storage.Analytics.DSN},
		Archive:     archive,
		CacheTTL:    cfg.Storage.CacheTTL,
		GraceWindow: cfg.Storage.GraceWindow,
		Logger:      lg,
	}
	storageCfg.Vector.TierConfig = storage.TierConfig{Backend: cfg.Storage.Vector.Backend, DSN: cfg.Storage.Vector.DSN}
	storageCfg.Vector.Collection = cfg.Storage.Vector.Collection
	storageCfg.Vector.Dimensions = cfg.Storage.Vector.Dimensions
	storageCfg.Vector.Metric = cfg.Storage.Vector.Metric

	coord, err := storage.Build(baseCtx, storageCfg)
	if err != nil {
		return fmt.Errorf("build storage coordinator: %w", err)
	}

	registry := backend.NewRegistry(backend.Config{
		Capabilities: cfg.Backends.Capabilities(),
		BackoffBase:  cfg.Backends.BackoffBase,
		BackoffMax:   cfg.Backends.BackoffMax,
	}, backend.DefaultConstructors(), lg)

	tr := tracker.New(coord.Metadata(), lg)

	chunkerCfg := chunker.DefaultConfig()
	if cfg.Ingest.MaxFileBytes > 0 {
		chunkerCfg.MaxFileBytes = int(cfg.Ingest.MaxFileBytes)
	}
	ch := chunker.New(chunkerCfg)

	pipeline := ingest.New(tr, ch, coord, registry, ingest.Config{
		Workers:      cfg.Ingest.Workers,
		Retries:      cfg.Ingest.Retries,
		Backoff:      cfg.Ingest.Backoff,
		IgnoreGlobs:  cfg.Ingest.IgnoreGlobs,
		MaxFileBytes: cfg.Ingest.MaxFileBytes,
	}, lg)

	var eventPipe *events.Pipe
	if len(cfg.Events.KafkaBrokers) > 0 {
		eventPipe = events.New(cfg.Events.KafkaBrokers, cfg.Events.Topic, lg)
	}

	debounce := time.Duration(cfg.Ingest.DebounceMs) * time.Millisecond
	watch, err := watcher.New(pipeline, tr, coord, debounce, lg)
	if err != nil {
		return fmt.Errorf("build watcher: %w", err)
	}

	engine := consolidate.New(coord, registry, consolidate.Config{
		Temperature:     cfg.Consolidation.Temperature,
		MaxPairsPerRun:  cfg.Consolidation.MaxPairsPerRun,
		CosineThreshold: cfg.Consolidation.CosineThreshold,
		SimhashMaxDist:  cfg.Consolidation.SimhashMaxDist,
		JudgeTimeout:    cfg.Consolidation.JudgeTimeout,
	}, lg)

	vacuum := retention.New(coord.Metadata(), coord.Archive(), retention.Config{
		Interval:    cfg.Retention.VacuumInterval,
		GraceWindow: cfg.Retention.GraceWindow,
		BatchSize:   cfg.Retention.BatchSize,
	}, lg)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go coord.Run(ctx)
	watch.Start(ctx)
	go vacuum.Run(ctx)
	go runConsolidationLoop(ctx, engine, lg)

	server := rpc.NewServer(pipeline, coord, registry, eventPipe, watch, lg)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	serveErr := make(chan error, 1)
	go func() {
		lg.Info("atlasd listening", map[string]any{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			lg.Error("rpc server failed", map[string]any{"err": err.Error()})
		}
	}

	return shutdown(httpServer, pipeline, coord, registry, eventPipe, watch, lg)
}

// shutdown follows the daemon's teardown order: stop accepting RPCs, cancel
// running ingestion tasks, drain the reconcile queue (bounded), close
// backends in reverse init order, then close the tier stores.
func shutdown(httpServer *http.Server, pipeline *ingest.Pipeline, coord *storage.Coordinator, registry *backend.Registry, ev *events.Pipe, watch *watcher.Watcher, lg logging.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	watch.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Error("rpc server shutdown error", map[string]any{"err": err.Error()})
	}

	pipeline.CancelAll()

	drainDeadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(drainDeadline) {
		pending, _ := coord.Health()
		if pending == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	registry.Shutdown()

	if ev != nil {
		if err := ev.Close(); err != nil {
			lg.Error("event pipe close error", map[string]any{"err": err.Error()})
		}
	}

	coord.Close()
	lg.Info("atlasd stopped", nil)
	return nil
}

// runConsolidationLoop runs the Consolidation Engine on a fixed cadence
// until ctx is cancelled. A single run already bounds its own work via
// Config.MaxPairsPerRun, so the loop just re-triggers it periodically.
func runConsolidationLoop(ctx context.Context, engine *consolidate.Engine, lg logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := engine.Run(ctx)
			if err != nil {
				lg.Error("consolidation run failed", map[string]any{"err": err.Error()})
				continue
			}
			lg.Info("consolidation run complete", map[string]any{
				"merged":     summary.PairsMerged,
				"superseded": summary.PairsSuperseded,
			})
		}
	}
}
