package inference

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// LocalClassifier runs the model in process. It holds no mutable state and
// is shared by all requests.
type LocalClassifier struct {
	model     *Model
	labels    []string
	maxPixels int
}

// ClassifierOption customises a LocalClassifier.
type ClassifierOption func(*LocalClassifier)

// WithMaxPixels caps the decoded size of uploaded images. Non-positive
// values keep DefaultMaxPixels.
func WithMaxPixels(n int) ClassifierOption {
	return func(c *LocalClassifier) {
		if n > 0 {
			c.maxPixels = n
		}
	}
}

// NewLocalClassifier pairs a model with its label list. The head must have
// exactly one output per label.
func NewLocalClassifier(model *Model, labels []string, opts ...ClassifierOption) (*LocalClassifier, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if model.Classes() != len(labels) {
		return nil, fmt.Errorf("model has %d outputs but %d labels were provided", model.Classes(), len(labels))
	}
	c := &LocalClassifier{
		model:     model,
		labels:    append([]string(nil), labels...),
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LoadLocalClassifier loads the weights and label files written by cmd/train.
func LoadLocalClassifier(weightsPath, labelsPath string, opts ...ClassifierOption) (*LocalClassifier, error) {
	model, err := LoadModel(weightsPath)
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	return NewLocalClassifier(model, labels, opts...)
}

// Labels returns a copy of the label list in output order.
func (c *LocalClassifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Classify decodes imageBytes and returns the most probable label.
func (c *LocalClassifier) Classify(_ context.Context, imageBytes []byte) (*Prediction, error) {
	img, err := DecodeLimited(imageBytes, c.maxPixels)
	if err != nil {
		return nil, err
	}
	probs := c.model.Predict(Preprocess(img, c.model.InputSize))
	idx := floats.MaxIdx(probs)
	return &Prediction{
		Label:      c.labels[idx],
		Confidence: probs[idx] * 100,
	}, nil
}
