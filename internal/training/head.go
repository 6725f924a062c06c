package training

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/example/biosense/internal/inference"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

// newHead returns a dense layer with Glorot-uniform weights and zero biases.
func newHead(rng *rand.Rand, inputs, outputs int) *inference.DenseLayer {
	limit := math.Sqrt(6 / float64(inputs+outputs))
	weights := make([]float64, inputs*outputs)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * limit
	}
	return &inference.DenseLayer{
		Inputs:  inputs,
		Outputs: outputs,
		Weights: weights,
		Bias:    make([]float64, outputs),
	}
}

func cloneHead(d *inference.DenseLayer) *inference.DenseLayer {
	return &inference.DenseLayer{
		Inputs:  d.Inputs,
		Outputs: d.Outputs,
		Weights: append([]float64(nil), d.Weights...),
		Bias:    append([]float64(nil), d.Bias...),
	}
}

// adam holds the moment estimates for one dense layer.
type adam struct {
	rate   float64
	step   int
	mW, vW []float64
	mB, vB []float64
}

func newAdam(rate float64, head *inference.DenseLayer) *adam {
	return &adam{
		rate: rate,
		mW:   make([]float64, len(head.Weights)),
		vW:   make([]float64, len(head.Weights)),
		mB:   make([]float64, len(head.Bias)),
		vB:   make([]float64, len(head.Bias)),
	}
}

func (a *adam) update(head *inference.DenseLayer, gradW, gradB []float64) {
	a.step++
	correction1 := 1 - math.Pow(adamBeta1, float64(a.step))
	correction2 := 1 - math.Pow(adamBeta2, float64(a.step))
	apply := func(params, grads, m, v []float64) {
		for i, g := range grads {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
			params[i] -= a.rate * (m[i] / correction1) / (math.Sqrt(v[i]/correction2) + adamEpsilon)
		}
	}
	apply(head.Weights, gradW, a.mW, a.vW)
	apply(head.Bias, gradB, a.mB, a.vB)
}

// trainBatch runs one optimisation step on batch and returns its mean loss.
// Features are dropped with probability dropout and the survivors rescaled.
func trainBatch(head *inference.DenseLayer, opt *adam, batch []Sample, dropout float64, rng *rand.Rand) float64 {
	gradW := mat.NewDense(head.Outputs, head.Inputs, nil)
	gradB := make([]float64, head.Outputs)
	input := make([]float64, head.Inputs)
	var loss float64

	for _, s := range batch {
		copy(input, s.Features)
		if dropout > 0 {
			keep := 1 / (1 - dropout)
			for i := range input {
				if rng.Float64() < dropout {
					input[i] = 0
				} else {
					input[i] *= keep
				}
			}
		}
		probs := inference.Softmax(head.Forward(input))
		loss += crossEntropy(probs, s.Label)

		// d(loss)/d(logits) for softmax + cross-entropy.
		probs[s.Label]--
		gradW.RankOne(gradW, 1, mat.NewVecDense(head.Outputs, probs), mat.NewVecDense(head.Inputs, input))
		floats.Add(gradB, probs)
	}

	n := float64(len(batch))
	gradW.Scale(1/n, gradW)
	floats.Scale(1/n, gradB)
	opt.update(head, gradW.RawMatrix().Data, gradB)
	return loss / n
}

// evaluate returns the mean loss and accuracy of head on samples.
func evaluate(head *inference.DenseLayer, samples []Sample) (loss, accuracy float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	correct := 0
	for _, s := range samples {
		probs := inference.Softmax(head.Forward(s.Features))
		loss += crossEntropy(probs, s.Label)
		if floats.MaxIdx(probs) == s.Label {
			correct++
		}
	}
	n := float64(len(samples))
	return loss / n, float64(correct) / n
}

func crossEntropy(probs []float64, label int) float64 {
	return -math.Log(math.Max(probs[label], 1e-12))
}
