// cmd/reconciler/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brioworks/recon-pipeline/internal/archive"
	"github.com/brioworks/recon-pipeline/internal/config"
	"github.com/brioworks/recon-pipeline/internal/partnercenter"
	"github.com/brioworks/recon-pipeline/internal/pipeline"
	"github.com/brioworks/recon-pipeline/internal/recon"
	"github.com/brioworks/recon-pipeline/internal/server"
	"github.com/brioworks/recon-pipeline/internal/sink"
)

func main() {
	var configPath string
	var once bool
	var force bool
	var snapshotPath string
	var monthFlag string
	flag.StringVar(&configPath, "config", "./configs", "Path to the configuration directory")
	flag.BoolVar(&once, "once", false, "Run one previous-month reconciliation and exit")
	flag.BoolVar(&force, "force", false, "Run even when the month's snapshot is already archived")
	flag.StringVar(&snapshotPath, "snapshot", "", "Reconcile from a local gzipped snapshot instead of Partner Center, then exit")
	flag.StringVar(&monthFlag, "month", "", "Invoice month for -snapshot as YYYY-MM (default: previous month)")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("config_path", configPath))

	client := partnercenter.NewClient(cfg.PartnerCenter, logger)

	store, err := archive.NewStore(cfg.Archive.Dir, logger)
	if err != nil {
		logger.Fatal("Failed to open archive", zap.Error(err))
	}

	engine := recon.NewEngine(logger, cfg.Pipeline.Workers)

	sinks := []pipeline.ReportSink{sink.CSVSink{Dir: cfg.Sink.CSVDir}}

	var warehouse *sink.Warehouse
	if cfg.Sink.Warehouse.Enabled {
		warehouse, err = sink.OpenWarehouse(cfg.Sink.Warehouse.Path, logger)
		if err != nil {
			logger.Fatal("Failed to open warehouse", zap.Error(err))
		}
		sinks = append(sinks, warehouse)
	}

	var publisher *sink.Publisher
	if cfg.Sink.Kafka.Enabled {
		publisher, err = sink.NewPublisher(cfg.Sink.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to create Kafka publisher", zap.Error(err))
		}
		publisher.Start()
		sinks = append(sinks, publisher)
	}

	runner := pipeline.NewRunner(client, store, engine, sinks, cfg.Pipeline.ProductIDPrefix, logger)

	if snapshotPath != "" {
		runSnapshot(runner, snapshotPath, monthFlag, force, logger)
		shutdownSinks(publisher, warehouse, logger)
		return
	}

	if once {
		runOnce(runner, force, logger)
		shutdownSinks(publisher, warehouse, logger)
		return
	}

	httpServer := server.NewHTTPServer(cfg, runner, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	logger.Info("Reconciler service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.IdleTimeout+cfg.Server.WriteTimeout+5*time.Second)
	defer shutdownCancel()

	// Stop the HTTP server first so no new run can start, then drain sinks.
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error during HTTP server shutdown", zap.Error(err))
	}
	shutdownSinks(publisher, warehouse, logger)
	logger.Info("Reconciler exited")
}

func runSnapshot(runner *pipeline.Runner, path, monthFlag string, force bool, logger *zap.Logger) {
	month := time.Now().UTC().AddDate(0, -1, 0)
	if monthFlag != "" {
		parsed, err := time.Parse("2006-01", monthFlag)
		if err != nil {
			logger.Fatal("Invalid -month value", zap.String("month", monthFlag), zap.Error(err))
		}
		month = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.RunSnapshot(ctx, path, month, force)
	if err != nil {
		logger.Fatal("Snapshot reconciliation failed", zap.Error(err))
	}
	if result.Skipped {
		logger.Info("Month already reconciled, nothing to do", zap.String("snapshot", result.Snapshot))
		return
	}
	logger.Info("Snapshot reconciliation finished",
		zap.String("invoice_month", result.InvoiceMonth),
		zap.Int("raw_items", result.RawItems),
		zap.Int("kept_items", result.KeptItems),
		zap.Int("rows", result.Rows),
	)
}

func runOnce(runner *pipeline.Runner, force bool, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.RunPreviousMonth(ctx, time.Now().UTC(), force)
	if err != nil {
		logger.Fatal("Reconciliation run failed", zap.Error(err))
	}
	if result.Skipped {
		logger.Info("Month already reconciled, nothing to do", zap.String("snapshot", result.Snapshot))
		return
	}
	logger.Info("Reconciliation run finished",
		zap.String("invoice_month", result.InvoiceMonth),
		zap.Int("raw_items", result.RawItems),
		zap.Int("kept_items", result.KeptItems),
		zap.Int("rows", result.Rows),
	)
}

func shutdownSinks(publisher *sink.Publisher, warehouse *sink.Warehouse, logger *zap.Logger) {
	if publisher != nil {
		publisher.Stop()
	}
	if warehouse != nil {
		if err := warehouse.Close(); err != nil {
			logger.Error("Error closing warehouse", zap.Error(err))
		}
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
