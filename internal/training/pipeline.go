package training

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/inference"
)

// Result describes a finished training run.
type Result struct {
	Classes         []string     `json:"classes"`
	TrainSamples    int          `json:"train_samples"`
	ValSamples      int          `json:"val_samples"`
	Removed         int          `json:"removed"`
	History         []EpochStats `json:"history"`
	BestValLoss     float64      `json:"best_val_loss"`
	BestValAccuracy float64      `json:"best_val_accuracy"`
	StoppedEarly    bool         `json:"stopped_early"`
}

// Run cleans the dataset, extracts backbone features, trains the head and
// writes the weights and label files.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("training")

	result := &Result{}
	for _, dir := range []string{cfg.TrainDir, cfg.ValDir} {
		removed, err := Clean(ctx, dir, cfg.Workers, logger)
		if err != nil {
			return nil, fmt.Errorf("clean %s: %w", dir, err)
		}
		result.Removed += len(removed)
	}

	classes, err := ListClasses(cfg.TrainDir)
	if err != nil {
		return nil, err
	}
	valClasses, err := ListClasses(cfg.ValDir)
	if err != nil {
		return nil, err
	}
	if err := checkClasses(classes, valClasses); err != nil {
		return nil, err
	}
	result.Classes = classes
	logger.Info("classes discovered", zap.Strings("classes", classes))

	backbone, created, err := loadOrInitBackbone(cfg.BackbonePath, cfg.InitBackbone, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("backbone initialised", zap.String("path", cfg.BackbonePath))
	}

	train, err := LoadFeatures(ctx, cfg.TrainDir, classes, backbone, cfg.InputSize, cfg.Workers)
	if err != nil {
		return nil, err
	}
	val, err := LoadFeatures(ctx, cfg.ValDir, classes, backbone, cfg.InputSize, cfg.Workers)
	if err != nil {
		return nil, err
	}
	result.TrainSamples, result.ValSamples = len(train), len(val)
	logger.Info("features extracted", zap.Int("train", len(train)), zap.Int("val", len(val)))

	model := func(head *inference.DenseLayer) *inference.Model {
		return &inference.Model{
			Version:   inference.ModelVersion,
			InputSize: cfg.InputSize,
			Backbone:  *backbone,
			Head:      *head,
		}
	}
	checkpoint := func(head *inference.DenseLayer, stats EpochStats) error {
		if err := inference.SaveModel(cfg.WeightsPath, model(head)); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		logger.Info("checkpoint saved", zap.Int("epoch", stats.Epoch), zap.Float64("val_accuracy", stats.ValAccuracy))
		return nil
	}

	fitted, err := fit(ctx, cfg, len(classes), train, val, checkpoint, logger)
	if err != nil {
		return nil, err
	}
	result.History = fitted.History
	result.BestValLoss = fitted.BestValLoss
	result.BestValAccuracy = fitted.BestAccuracy
	result.StoppedEarly = fitted.StoppedEarly

	if err := inference.SaveModel(cfg.WeightsPath, model(fitted.Head)); err != nil {
		return nil, err
	}
	if err := inference.SaveLabels(cfg.LabelsPath, classes); err != nil {
		return nil, fmt.Errorf("save labels: %w", err)
	}
	logger.Info("model saved", zap.String("weights", cfg.WeightsPath), zap.String("labels", cfg.LabelsPath))
	return result, nil
}
