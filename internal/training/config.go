// Package training fits the classifier head on a directory-per-class image
// dataset and writes the artifacts the API server loads at startup.
package training

import (
	"errors"
	"path/filepath"
)

// Config controls a training run.
type Config struct {
	TrainDir     string
	ValDir       string
	WeightsPath  string
	LabelsPath   string
	BackbonePath string
	// InitBackbone writes a freshly initialised backbone to BackbonePath
	// when that file does not exist yet.
	InitBackbone bool

	InputSize    int
	BatchSize    int
	Epochs       int
	LearningRate float64
	Dropout      float64
	Patience     int
	Seed         int64
	// Workers bounds the goroutines used to decode images.
	Workers int
}

// DefaultConfig returns the settings used by cmd/train.
func DefaultConfig() Config {
	return Config{
		TrainDir:     filepath.Join("data", "train"),
		ValDir:       filepath.Join("data", "val"),
		WeightsPath:  filepath.Join("models", "biosense_classifier.json"),
		LabelsPath:   filepath.Join("models", "class_names.json"),
		BackbonePath: filepath.Join("models", "backbone.json"),
		InputSize:    224,
		BatchSize:    16,
		Epochs:       12,
		LearningRate: 1e-3,
		Dropout:      0.3,
		Patience:     3,
		Seed:         42,
		Workers:      1,
	}
}

// Validate reports settings that cannot produce a model.
func (c Config) Validate() error {
	var errs []error
	if c.TrainDir == "" || c.ValDir == "" {
		errs = append(errs, errors.New("train and validation directories are required"))
	}
	if c.WeightsPath == "" || c.LabelsPath == "" || c.BackbonePath == "" {
		errs = append(errs, errors.New("weights, labels and backbone paths are required"))
	}
	if c.InputSize <= 0 || c.BatchSize <= 0 || c.Epochs <= 0 {
		errs = append(errs, errors.New("input size, batch size and epochs must be positive"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, errors.New("learning rate must be positive"))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, errors.New("dropout must be in [0, 1)"))
	}
	if c.Patience <= 0 {
		errs = append(errs, errors.New("patience must be positive"))
	}
	return errors.Join(errs...)
}
