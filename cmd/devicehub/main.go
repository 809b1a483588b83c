// Package main implements the Device Hub entry point: it wires the document
// store, the batched persistence engine, the decoder and model registries,
// the processing pipeline, the engine manager, the payload pruner and the
// NATS ingest consumer, then runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/config"
	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/decoder/temperature"
	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/docstore/memory"
	"github.com/c360/devicehub/docstore/postgres"
	"github.com/c360/devicehub/engine"
	"github.com/c360/devicehub/health"
	"github.com/c360/devicehub/ingest"
	"github.com/c360/devicehub/metric"
	"github.com/c360/devicehub/pipeline"
	"github.com/c360/devicehub/pkg/retry"
	"github.com/c360/devicehub/schema"
)

const (
	appName = "devicehub"
	version = "0.1.0"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (.yaml or .json)")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return nil
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting device hub", "version", version, "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := metric.NewRegistry()

	store, cleanup, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer cleanup()

	decoders := decoder.NewRegistry()
	models := schema.NewRegistry()
	if err := registerModels(decoders, models); err != nil {
		return fmt.Errorf("register models: %w", err)
	}
	decoders.Seal()

	writer, err := bulk.NewWriter(store, cfg.Bulk.Writer(), logger, metrics)
	if err != nil {
		return fmt.Errorf("create bulk writer: %w", err)
	}

	hooks := pipeline.NewHooks()
	pipe, err := pipeline.New(pipeline.Dependencies{
		Decoders: decoders,
		Models:   models,
		Store:    store,
		Writer:   writer,
		Hooks:    hooks,
		Logger:   logger,
		Metrics:  metrics,
	}, pipeline.Options{AutoProvision: cfg.Pipeline.AutoProvision})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	manager, err := engine.NewManager(store, logger, metrics)
	if err != nil {
		return fmt.Errorf("create engine manager: %w", err)
	}
	if err := provisionEngines(ctx, manager, cfg.Engines); err != nil {
		return fmt.Errorf("provision engines: %w", err)
	}

	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("start bulk writer: %w", err)
	}
	defer func() {
		if err := writer.Stop(*shutdownTimeout); err != nil {
			logger.Warn("bulk writer did not drain cleanly", "error", err)
		}
	}()

	var pruner *engine.Pruner
	if cfg.Pruner.Enabled {
		pruner, err = engine.NewPruner(store, decoders.Models(), cfg.Pruner.Pruner(), logger, metrics)
		if err != nil {
			return fmt.Errorf("create pruner: %w", err)
		}
		if err := pruner.Start(ctx); err != nil {
			return fmt.Errorf("start pruner: %w", err)
		}
		defer func() { _ = pruner.Stop(*shutdownTimeout) }()
	}

	monitor := health.NewMonitor()
	monitor.Update("store", health.StateHealthy, "")
	monitor.Update("bulk-writer", health.StateHealthy, "")

	if cfg.Health.Enabled {
		healthSrv, err := health.NewServer(cfg.Health.Addr, monitor, metrics, logger)
		if err != nil {
			return fmt.Errorf("create health server: %w", err)
		}
		if err := healthSrv.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer func() { _ = healthSrv.Stop(*shutdownTimeout) }()
	}

	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled {
		consumer, err = ingest.NewConsumer(pipe, decoders.Models(), cfg.Ingest.Consumer(), logger, metrics)
		if err != nil {
			return fmt.Errorf("create ingest consumer: %w", err)
		}
		// The broker may still be coming up alongside us.
		if err := retry.Startup().Do(ctx, consumer.Initialize); err != nil {
			return fmt.Errorf("connect ingest consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start ingest consumer: %w", err)
		}
		defer func() { _ = consumer.Stop(*shutdownTimeout) }()
		monitor.Update("ingest-consumer", health.StateHealthy, "")
	}

	logger.Info("device hub started", "models", decoders.Models(), "ingest", cfg.Ingest.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutting down")
	return nil
}

// openStore builds the configured document store. The cleanup function
// releases backend resources and is safe to call once.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (docstore.Store, func(), error) {
	switch cfg.Backend {
	case config.StorePostgres:
		pool, err := retry.DoWithResult(ctx, retry.Startup(), func(ctx context.Context) (*pgxpool.Pool, error) {
			pool, err := pgxpool.New(ctx, cfg.DSN)
			if err != nil {
				return nil, err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return pool, nil
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres store")
		return store, pool.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// provisionEngines creates the declared tenant engines that do not exist yet.
func provisionEngines(ctx context.Context, manager *engine.Manager, specs []config.EngineSpec) error {
	for _, spec := range specs {
		exists, err := manager.Exists(ctx, spec.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := manager.Create(ctx, spec.ID, spec.Group); err != nil {
			return err
		}
	}
	return nil
}

// registerModels installs the built-in decoders and their model
// declarations. Deployments with custom device fleets extend this set.
func registerModels(decoders *decoder.Registry, models *schema.Registry) error {
	if err := decoders.Register(temperature.New()); err != nil {
		return err
	}
	if err := models.RegisterDeviceModel(schema.DeviceModel{
		Model: temperature.DeviceModel,
		Metadata: schema.Fragment{
			"site": map[string]any{"type": "string"},
		},
	}); err != nil {
		return err
	}
	if err := models.RegisterAssetModel(schema.AssetModel{
		Model: "Room",
		MeasureNames: []decoder.MeasureSlot{
			{Name: "temperatureExt", Type: "temperature"},
			{Name: "batteryExt", Type: "battery"},
		},
	}); err != nil {
		return err
	}
	if err := models.RegisterMeasure("temperature", schema.Fragment{
		"temperature": map[string]any{"type": "number"},
	}); err != nil {
		return err
	}
	return models.RegisterMeasure("battery", schema.Fragment{
		"battery": map[string]any{"type": "number"},
	})
}
