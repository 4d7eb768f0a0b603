package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/artie-labs/capture/config"
	"github.com/artie-labs/capture/lib/kafkalib"
	"github.com/artie-labs/capture/lib/logger"
	"github.com/artie-labs/capture/lib/mtr"
	"github.com/artie-labs/capture/sources"
	"github.com/artie-labs/capture/sources/mysql"
	"github.com/artie-labs/capture/writers"
)

func setUpMetrics(cfg *config.Metrics) (mtr.Client, error) {
	if cfg == nil {
		return mtr.Noop(), nil
	}

	slog.Info("Creating metrics client")
	return mtr.New(cfg.Namespace, cfg.Tags, 0.5)
}

func main() {
	var configFilePath string
	flag.StringVar(&configFilePath, "config", "", "path to config file")
	flag.Parse()

	cfg, err := config.ReadConfig(configFilePath)
	if err != nil {
		logger.Fatal("Failed to read config file", slog.Any("err", err))
	}

	_logger, cleanUpHandlers := logger.NewLogger(cfg)
	slog.SetDefault(_logger)
	defer cleanUpHandlers()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statsD, err := setUpMetrics(cfg.Metrics)
	if err != nil {
		logger.Fatal("Failed to set up metrics", slog.Any("err", err))
	}

	destination, err := kafkalib.NewBatchWriter(ctx, *cfg.Kafka, statsD)
	if err != nil {
		logger.Fatal("Failed to set up kafka", slog.Any("err", err))
	}
	writer := writers.New(destination, true)

	var source sources.Source
	source, err = mysql.Load(ctx, *cfg.MySQL, statsD)
	if err != nil {
		logger.Fatal("Failed to load MySQL source", slog.Any("err", err))
	}
	defer source.Close()

	if err = source.Run(ctx, writer); err != nil {
		if ctx.Err() != nil {
			slog.Info("Shutting down", slog.Any("cause", ctx.Err()))
			return
		}
		logger.Fatal("Failed to run MySQL source", slog.Any("err", err))
	}
}
