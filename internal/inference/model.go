package inference

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ModelVersion is the weights file format written by cmd/train.
const ModelVersion = 1

// Model is a frozen convolutional backbone followed by global average
// pooling and a dense softmax head. A Model is never mutated after loading
// and is safe for concurrent use.
type Model struct {
	Version   int        `json:"version"`
	InputSize int        `json:"input_size"`
	Backbone  Backbone   `json:"backbone"`
	Head      DenseLayer `json:"head"`
}

// Backbone is the stack of convolutions reused as a feature extractor.
type Backbone struct {
	Layers []ConvLayer `json:"layers"`
}

// ConvLayer is a square convolution with "same" padding and ReLU activation.
// Weights are laid out [out][ky][kx][in].
type ConvLayer struct {
	InChannels  int       `json:"in_channels"`
	OutChannels int       `json:"out_channels"`
	Kernel      int       `json:"kernel"`
	Stride      int       `json:"stride"`
	Weights     []float64 `json:"weights"`
	Bias        []float64 `json:"bias"`
}

// DenseLayer is a fully connected layer. Weights are laid out [out][in].
type DenseLayer struct {
	Inputs  int       `json:"inputs"`
	Outputs int       `json:"outputs"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// Validate checks that every layer's shape matches its neighbours and its
// parameter slices.
func (m *Model) Validate() error {
	if m.InputSize <= 0 {
		return errors.New("input size must be positive")
	}
	if err := m.Backbone.Validate(); err != nil {
		return err
	}
	if m.Head.Inputs != m.Backbone.FeatureSize() {
		return fmt.Errorf("head expects %d inputs, backbone produces %d features", m.Head.Inputs, m.Backbone.FeatureSize())
	}
	return m.Head.Validate()
}

// Classes returns the number of outputs of the head.
func (m *Model) Classes() int {
	return m.Head.Outputs
}

// Features runs the backbone and global average pooling.
func (m *Model) Features(input *Tensor) []float64 {
	return m.Backbone.Features(input)
}

// Predict returns the class probabilities for a preprocessed input.
func (m *Model) Predict(input *Tensor) []float64 {
	return Softmax(m.Head.Forward(m.Features(input)))
}

// Validate checks channel continuity and parameter sizes.
func (b *Backbone) Validate() error {
	if len(b.Layers) == 0 {
		return errors.New("backbone has no layers")
	}
	in := 3
	for i, l := range b.Layers {
		if l.InChannels != in {
			return fmt.Errorf("layer %d: expects %d input channels, got %d", i, l.InChannels, in)
		}
		if l.OutChannels <= 0 || l.Kernel <= 0 || l.Kernel%2 == 0 || l.Stride <= 0 {
			return fmt.Errorf("layer %d: invalid geometry", i)
		}
		if len(l.Weights) != l.OutChannels*l.Kernel*l.Kernel*l.InChannels {
			return fmt.Errorf("layer %d: expected %d weights, got %d", i, l.OutChannels*l.Kernel*l.Kernel*l.InChannels, len(l.Weights))
		}
		if len(l.Bias) != l.OutChannels {
			return fmt.Errorf("layer %d: expected %d biases, got %d", i, l.OutChannels, len(l.Bias))
		}
		in = l.OutChannels
	}
	return nil
}

// FeatureSize is the length of the pooled feature vector.
func (b *Backbone) FeatureSize() int {
	if len(b.Layers) == 0 {
		return 0
	}
	return b.Layers[len(b.Layers)-1].OutChannels
}

// Features runs every convolution and averages the final activations over
// the spatial dimensions.
func (b *Backbone) Features(input *Tensor) []float64 {
	x := input
	for i := range b.Layers {
		x = b.Layers[i].Forward(x)
	}
	features := make([]float64, x.C)
	for y := 0; y < x.H; y++ {
		for xx := 0; xx < x.W; xx++ {
			for c := 0; c < x.C; c++ {
				features[c] += x.at(y, xx, c)
			}
		}
	}
	floats.Scale(1/float64(x.H*x.W), features)
	return features
}

// Forward applies the convolution followed by ReLU.
func (l *ConvLayer) Forward(in *Tensor) *Tensor {
	k, s := l.Kernel, l.Stride
	pad := k / 2
	oh := (in.H+2*pad-k)/s + 1
	ow := (in.W+2*pad-k)/s + 1
	out := NewTensor(oh, ow, l.OutChannels)

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			dst := (oy*ow + ox) * l.OutChannels
			for oc := 0; oc < l.OutChannels; oc++ {
				sum := l.Bias[oc]
				for ky := 0; ky < k; ky++ {
					iy := oy*s + ky - pad
					if iy < 0 || iy >= in.H {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*s + kx - pad
						if ix < 0 || ix >= in.W {
							continue
						}
						w := ((oc*k+ky)*k + kx) * l.InChannels
						src := (iy*in.W + ix) * in.C
						sum += floats.Dot(l.Weights[w:w+l.InChannels], in.Data[src:src+in.C])
					}
				}
				if sum > 0 {
					out.Data[dst+oc] = sum
				}
			}
		}
	}
	return out
}

// Validate checks parameter sizes.
func (d *DenseLayer) Validate() error {
	if d.Inputs <= 0 || d.Outputs <= 0 {
		return errors.New("dense layer must have inputs and outputs")
	}
	if len(d.Weights) != d.Inputs*d.Outputs {
		return fmt.Errorf("dense layer: expected %d weights, got %d", d.Inputs*d.Outputs, len(d.Weights))
	}
	if len(d.Bias) != d.Outputs {
		return fmt.Errorf("dense layer: expected %d biases, got %d", d.Outputs, len(d.Bias))
	}
	return nil
}

// Forward returns the logits for features.
func (d *DenseLayer) Forward(features []float64) []float64 {
	w := mat.NewDense(d.Outputs, d.Inputs, d.Weights)
	x := mat.NewVecDense(d.Inputs, features)
	logits := mat.NewVecDense(d.Outputs, nil)
	logits.MulVec(w, x)
	out := make([]float64, d.Outputs)
	floats.AddTo(out, logits.RawVector().Data, d.Bias)
	return out
}

// Softmax converts logits into probabilities in place and returns them.
func Softmax(logits []float64) []float64 {
	floats.AddConst(-floats.Max(logits), logits)
	for i, v := range logits {
		logits[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(logits), logits)
	return logits
}
