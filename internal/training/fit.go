package training

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/inference"
)

// EpochStats records the metrics of one epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// earlyStopping stops training once the validation loss has not improved
// for patience consecutive epochs and remembers the best weights seen.
type earlyStopping struct {
	patience int
	best     float64
	wait     int
	weights  *inference.DenseLayer
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

// observe records an epoch and reports whether training should stop.
func (e *earlyStopping) observe(valLoss float64, head *inference.DenseLayer) bool {
	if valLoss < e.best {
		e.best = valLoss
		e.wait = 0
		e.weights = cloneHead(head)
		return false
	}
	e.wait++
	return e.wait >= e.patience
}

// restore picks the head to keep once training ends. The best weights
// replace head only when stopping fired; a run that used every epoch keeps
// its final weights.
func (e *earlyStopping) restore(head *inference.DenseLayer, stopped bool) *inference.DenseLayer {
	if stopped && e.weights != nil {
		return e.weights
	}
	return head
}

// checkpointFunc persists a head that reached a new best validation accuracy.
type checkpointFunc func(head *inference.DenseLayer, stats EpochStats) error

// fitResult summarises a call to fit.
type fitResult struct {
	Head         *inference.DenseLayer
	History      []EpochStats
	BestValLoss  float64
	BestAccuracy float64
	StoppedEarly bool
}

// fit trains a fresh head on train, monitoring val after every epoch. When
// early stopping fires the returned head carries the weights of the epoch
// with the lowest val loss; otherwise it is the head after the last epoch.
func fit(ctx context.Context, cfg Config, classes int, train, val []Sample, checkpoint checkpointFunc, logger *zap.Logger) (*fitResult, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	head := newHead(rng, len(train[0].Features), classes)
	opt := newAdam(cfg.LearningRate, head)
	stopper := newEarlyStopping(cfg.Patience)

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	batch := make([]Sample, 0, cfg.BatchSize)

	result := &fitResult{BestAccuracy: -1}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var epochLoss float64
		batches := 0
		for start := 0; start < len(order); start += cfg.BatchSize {
			batch = batch[:0]
			for _, idx := range order[start:min(start+cfg.BatchSize, len(order))] {
				batch = append(batch, train[idx])
			}
			epochLoss += trainBatch(head, opt, batch, cfg.Dropout, rng)
			batches++
		}

		valLoss, valAcc := evaluate(head, val)
		stats := EpochStats{Epoch: epoch, Loss: epochLoss / float64(batches), ValLoss: valLoss, ValAccuracy: valAcc}
		result.History = append(result.History, stats)
		logger.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", stats.Loss),
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_accuracy", valAcc),
		)

		if valAcc > result.BestAccuracy {
			result.BestAccuracy = valAcc
			if checkpoint != nil {
				if err := checkpoint(head, stats); err != nil {
					return nil, err
				}
			}
		}

		if stopper.observe(valLoss, head) {
			logger.Info("early stopping", zap.Int("epoch", epoch), zap.Float64("best_val_loss", stopper.best))
			result.StoppedEarly = true
			break
		}
	}

	result.Head = stopper.restore(head, result.StoppedEarly)
	result.BestValLoss = stopper.best
	return result, nil
}
