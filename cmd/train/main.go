package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/training"
)

func main() {
	cfg := training.DefaultConfig()
	flag.StringVar(&cfg.TrainDir, "train", cfg.TrainDir, "Training images, one directory per class")
	flag.StringVar(&cfg.ValDir, "val", cfg.ValDir, "Validation images, one directory per class")
	flag.StringVar(&cfg.WeightsPath, "weights", cfg.WeightsPath, "Output weights file")
	flag.StringVar(&cfg.LabelsPath, "labels", cfg.LabelsPath, "Output class-name file")
	flag.StringVar(&cfg.BackbonePath, "backbone", cfg.BackbonePath, "Frozen backbone file")
	flag.BoolVar(&cfg.InitBackbone, "init-backbone", false, "Generate a seeded backbone when the backbone file is missing")
	flag.IntVar(&cfg.InputSize, "input-size", cfg.InputSize, "Square input resolution")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Mini-batch size")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Maximum number of epochs")
	flag.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Adam learning rate")
	flag.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "Dropout applied to pooled features while training")
	flag.IntVar(&cfg.Patience, "patience", cfg.Patience, "Epochs without val loss improvement before stopping")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent image decoders")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := training.Run(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	logger.Info("training complete",
		zap.Strings("classes", result.Classes),
		zap.Int("train_samples", result.TrainSamples),
		zap.Int("val_samples", result.ValSamples),
		zap.Int("removed_images", result.Removed),
		zap.Int("epochs", len(result.History)),
		zap.Bool("stopped_early", result.StoppedEarly),
		zap.Float64("best_val_loss", result.BestValLoss),
		zap.Float64("best_val_accuracy", result.BestValAccuracy),
	)
}
