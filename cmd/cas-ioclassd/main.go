package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/ingest"
	"github.com/gftdcojp/cas-ioclass/internal/lifecycle"
	"github.com/gftdcojp/cas-ioclass/internal/meta"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/serve"
	"github.com/gftdcojp/cas-ioclass/pkg/natsutil"
	"github.com/gftdcojp/cas-ioclass/pkg/s3util"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cas-ioclassd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	serve.Version = version
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metadata store is optional; without it every restart begins from the
	// default table.
	var metaStore meta.Store
	if cfg.Metadata.Enabled {
		bolt, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
		if err != nil {
			return fmt.Errorf("opening metadata store: %w", err)
		}
		defer bolt.Close()
		metaStore = bolt
	}

	var s3Client *s3util.Client
	if cfg.UsesS3() {
		var err error
		s3Client, err = s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
	}

	compiler, err := rule.NewCompiler(cfg.Rules.CompileCacheSize)
	if err != nil {
		return fmt.Errorf("creating rule compiler: %w", err)
	}

	mgr := engine.NewManager(compiler, metaStore, logger)
	prometheus.MustRegister(metrics.NewStatsCollector(mgr))

	watcher := lifecycle.NewWatcher(lifecycle.WatcherConfig{
		S3:            s3Client,
		MaxConfigSize: int64(cfg.Reload.MaxConfigSize),
		Logger:        logger,
	})

	for _, cc := range cfg.Caches {
		c, err := mgr.Add(cc.ID)
		if err != nil {
			return err
		}
		if err := c.Restore(ctx); err != nil {
			return fmt.Errorf("restoring cache %s: %w", cc.ID, err)
		}
		for _, core := range cc.Cores {
			if _, err := c.AttachCore(ctx, core.ID, core.Path); err != nil && !errors.Is(err, engine.ErrCoreExists) {
				return fmt.Errorf("cache %s: attaching core %d: %w", cc.ID, core.ID, err)
			}
		}
		if cc.IOClassConfig != "" {
			watcher.Watch(c, cc.IOClassConfig)
		}
	}

	// An unusable initial config is logged and the cache keeps its restored
	// or default table.
	if err := watcher.Sync(ctx); err != nil {
		logger.Warn("initial io class config load failed", zap.Error(err))
	}

	var nc *nats.Conn
	if cfg.UsesNATS() {
		nc, err = natsutil.Connect(cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Reload.Enabled {
		g.Go(func() error { return watcher.Run(gctx, cfg.Reload.Interval.Duration()) })
	}

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, mgr, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, mgr, logger)
		})
	}

	// Start completion ingest
	if cfg.Ingest.Enabled {
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("creating JetStream context: %w", err)
		}
		pipeline := ingest.NewPipeline(ingest.PipelineConfig{
			JS:      js,
			Manager: mgr,
			Ingest:  cfg.Ingest,
			Logger:  logger,
		})
		g.Go(func() error { return pipeline.Run(gctx) })
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, metaStore, s3Client)
		healthChecker.AddCheck("ioclass_sources", watcher.Check)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("cas-ioclassd started",
		zap.String("version", version),
		zap.Int("caches", len(cfg.Caches)),
		zap.Bool("metadata", metaStore != nil),
		zap.Bool("ingest", cfg.Ingest.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
