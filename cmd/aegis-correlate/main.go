// Package main is the entry point for the correlation engine service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis-correlate/internal/archive"
	"aegis-correlate/internal/config"
	"aegis-correlate/internal/correlation"
	"aegis-correlate/internal/dedup"
	"aegis-correlate/internal/kafka"
	"aegis-correlate/internal/schema"
	"aegis-correlate/internal/store"
)

func main() {
	os.Exit(run())
}

// run carries the real main body so deferred closes still fire on the
// error paths.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	slog.Info("configuration loaded",
		"workers", cfg.Correlation.Workers,
		"dedup_window_seconds", cfg.Correlation.DedupWindowSeconds,
		"threshold_probable", cfg.Correlation.ThresholdProbable,
		"threshold_confirmed", cfg.Correlation.ThresholdConfirmed,
		"decay_factor", cfg.Correlation.DecayFactor,
		"archive_enabled", cfg.Archive.Enabled,
		"export_enabled", cfg.Export.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Weight table: defaults overlaid by the optional weights file.
	weights := correlation.DefaultWeightTable()
	if cfg.Correlation.WeightsFile != "" {
		weights, err = correlation.LoadWeightTable(cfg.Correlation.WeightsFile)
		if err != nil {
			slog.Error("failed to load weight table", "error", err, "file", cfg.Correlation.WeightsFile)
			return 1
		}
		slog.Info("weight table loaded", "file", cfg.Correlation.WeightsFile)
	}

	// Durable incident store.
	storeCfg := cfg.Store
	storeCfg.DedupWindow = cfg.Correlation.DedupWindow()
	incidents, err := store.OpenBolt(storeCfg)
	if err != nil {
		slog.Error("failed to open incident store", "error", err, "path", storeCfg.Path)
		return 1
	}
	defer incidents.Close()

	engine, err := correlation.NewEngine(
		cfg.Correlation.EngineConfig(),
		weights,
		correlation.NewDetector(),
		incidents,
	)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		return 1
	}

	// Incident snapshot emission to Kafka.
	emitter, err := kafka.NewEmitter(cfg.Kafka, logger.With("component", "emitter"))
	if err != nil {
		slog.Error("failed to create emitter", "error", err)
		return 1
	}
	defer emitter.Close()
	engine.AddHandler(emitter.Handler())

	// Optional Redis dedup index for peer services.
	var dedupIndex *dedup.Index
	if cfg.DedupCache.Enabled {
		dedupIndex, err = dedup.NewIndex(cfg.DedupCache.Redis, cfg.Correlation.DedupWindow())
		if err != nil {
			slog.Error("failed to connect dedup index", "error", err)
			return 1
		}
		defer dedupIndex.Close()
		engine.AddHandler(func(ctx context.Context, snap *correlation.Snapshot) error {
			return dedupIndex.Remember(ctx, snap.Incident.DedupKey, snap.Incident.ID)
		})
	}

	// Optional ClickHouse read model.
	var chClient *archive.ClickHouseClient
	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		chClient, err = archive.NewClickHouseClient(cfg.Archive.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			return 1
		}
		defer chClient.Close()

		slog.Info("running read model migrations")
		if err := archive.NewMigrator(chClient).Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			return 1
		}

		archiveWriter = archive.NewWriter(chClient, cfg.Archive.Writer)
		engine.AddHandler(archiveWriter.Handler())
	}

	// Optional S3 export of confirmed incidents.
	if cfg.Export.Enabled {
		exporter, err := archive.NewExporter(ctx, cfg.Export.S3, incidents, logger.With("component", "exporter"))
		if err != nil {
			slog.Error("failed to create exporter", "error", err)
			return 1
		}
		engine.AddHandler(exporter.Handler())
	}

	engine.Start(ctx)

	// Signal intake from Kafka.
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxSignalAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	intake, err := kafka.NewIntake(cfg.Kafka, validator, engine, logger.With("component", "intake"))
	if err != nil {
		slog.Error("failed to create intake", "error", err)
		return 1
	}
	if err := intake.Start(); err != nil {
		slog.Error("failed to start intake", "error", err)
		return 1
	}

	// Periodic dormancy sweep.
	go func() {
		ticker := time.NewTicker(cfg.Correlation.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.SweepDormant(ctx, time.Now().UTC())
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-engine.Fatal():
		slog.Error("engine halted", "error", engine.Err())
		exitCode = 1
	}

	// Stop intake first so no new signals enter, then drain the engine.
	if err := intake.Stop(); err != nil {
		slog.Error("intake stop error", "error", err)
	}
	cancel()
	engine.Stop()

	if archiveWriter != nil {
		if err := archiveWriter.Close(); err != nil {
			slog.Error("archive writer close error", "error", err)
		}
	}

	metrics := engine.Metrics()
	slog.Info("shutdown complete",
		"signals_processed", metrics["processed"],
		"incidents_created", metrics["created"],
		"contradictions", metrics["contradictions"],
		"replays", metrics["replays"],
		"rejected", metrics["rejected"],
	)

	return exitCode
}
