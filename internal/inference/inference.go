// Package inference turns uploaded image bytes into a waste-category
// prediction using a model trained by cmd/train.
package inference

import (
	"context"
	"errors"
)

// ErrDecode is returned when the payload is not a decodable image.
var ErrDecode = errors.New("unreadable image")

// Prediction is the outcome of classifying one image.
type Prediction struct {
	Label string
	// Confidence is the softmax probability of Label, as a percentage in [0, 100].
	Confidence float64
}

// Classifier exposes the subset of functionality used by the prediction flow.
type Classifier interface {
	Classify(ctx context.Context, imageBytes []byte) (*Prediction, error)
}
