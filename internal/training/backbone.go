package training

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"

	"github.com/example/biosense/internal/inference"
)

// LayerSpec describes one convolution of a generated backbone.
type LayerSpec struct {
	OutChannels int
	Kernel      int
	Stride      int
}

// DefaultBackbone halves the resolution three times while widening to 32 channels.
var DefaultBackbone = []LayerSpec{
	{OutChannels: 8, Kernel: 3, Stride: 2},
	{OutChannels: 16, Kernel: 3, Stride: 2},
	{OutChannels: 32, Kernel: 3, Stride: 2},
}

// NewBackbone builds an RGB backbone with He-normal weights and zero biases.
func NewBackbone(rng *rand.Rand, specs []LayerSpec) *inference.Backbone {
	backbone := &inference.Backbone{}
	in := 3
	for _, s := range specs {
		fanIn := s.Kernel * s.Kernel * in
		std := math.Sqrt(2 / float64(fanIn))
		weights := make([]float64, s.OutChannels*fanIn)
		for i := range weights {
			weights[i] = rng.NormFloat64() * std
		}
		backbone.Layers = append(backbone.Layers, inference.ConvLayer{
			InChannels:  in,
			OutChannels: s.OutChannels,
			Kernel:      s.Kernel,
			Stride:      s.Stride,
			Weights:     weights,
			Bias:        make([]float64, s.OutChannels),
		})
		in = s.OutChannels
	}
	return backbone
}

// loadOrInitBackbone loads the frozen backbone at path. When the file is
// missing and init is set, a seeded backbone is generated and saved first.
func loadOrInitBackbone(path string, init bool, seed int64) (*inference.Backbone, bool, error) {
	backbone, err := inference.LoadBackbone(path)
	if err == nil {
		return backbone, false, nil
	}
	if !init || !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	backbone = NewBackbone(rand.New(rand.NewSource(seed)), DefaultBackbone)
	if err := inference.SaveBackbone(path, backbone); err != nil {
		return nil, false, fmt.Errorf("init backbone: %w", err)
	}
	return backbone, true, nil
}
