package training

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/biosense/internal/inference"
)

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// writeColourDataset lays out red and blue images in root/<class>/.
func writeColourDataset(t *testing.T, root string, perClass int) {
	t.Helper()
	for i := 0; i < perClass; i++ {
		shade := uint8(200 + i*5)
		writeFile(t, filepath.Join(root, "red", "r"+string(rune('a'+i))+".png"), encodePNG(t, color.RGBA{R: shade, A: 255}))
		writeFile(t, filepath.Join(root, "blue", "b"+string(rune('a'+i))+".png"), encodePNG(t, color.RGBA{B: shade, A: 255}))
	}
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.TrainDir = filepath.Join(dir, "data", "train")
	cfg.ValDir = filepath.Join(dir, "data", "val")
	cfg.WeightsPath = filepath.Join(dir, "models", "biosense_classifier.json")
	cfg.LabelsPath = filepath.Join(dir, "models", "class_names.json")
	cfg.BackbonePath = filepath.Join(dir, "models", "backbone.json")
	cfg.InitBackbone = true
	cfg.InputSize = 8
	cfg.BatchSize = 4
	cfg.Epochs = 40
	cfg.LearningRate = 0.05
	cfg.Dropout = 0
	cfg.Patience = 5
	cfg.Workers = 2
	return cfg
}

func TestRunTrainsSeparableDataset(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeColourDataset(t, cfg.TrainDir, 6)
	writeColourDataset(t, cfg.ValDir, 2)
	broken := filepath.Join(cfg.TrainDir, "red", "broken.jpg")
	writeFile(t, broken, []byte("definitely not a jpeg"))

	result, err := Run(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"blue", "red"}, result.Classes)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 12, result.TrainSamples)
	assert.Equal(t, 4, result.ValSamples)
	assert.NotEmpty(t, result.History)
	assert.NoFileExists(t, broken)
	assert.FileExists(t, cfg.BackbonePath)

	labels, err := inference.LoadLabels(cfg.LabelsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "red"}, labels)

	classifier, err := inference.LoadLocalClassifier(cfg.WeightsPath, cfg.LabelsPath)
	require.NoError(t, err)

	red, err := classifier.Classify(context.Background(), encodePNG(t, color.RGBA{R: 220, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, "red", red.Label)

	blue, err := classifier.Classify(context.Background(), encodePNG(t, color.RGBA{B: 220, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, "blue", blue.Label)
}

func TestRunRejectsMismatchedValidationClasses(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeColourDataset(t, cfg.TrainDir, 2)
	writeColourDataset(t, cfg.ValDir, 1)
	writeFile(t, filepath.Join(cfg.ValDir, "green", "g.png"), encodePNG(t, color.RGBA{G: 255, A: 255}))

	_, err := Run(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRunRequiresBackboneWithoutInit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.InitBackbone = false
	writeColourDataset(t, cfg.TrainDir, 2)
	writeColourDataset(t, cfg.ValDir, 1)

	_, err := Run(context.Background(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListClassesIsSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Organic", "Non-Organic", "Metal"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	writeFile(t, filepath.Join(dir, "README.txt"), []byte("ignored"))

	classes, err := ListClasses(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Metal", "Non-Organic", "Organic"}, classes)
}

func TestCleanKeepsValidImages(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a", "good.png")
	bad := filepath.Join(dir, "a", "bad.png")
	writeFile(t, good, encodePNG(t, color.White))
	writeFile(t, bad, []byte{0x89, 'P', 'N', 'G'})

	removed, err := Clean(context.Background(), dir, 4, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{bad}, removed)
	assert.FileExists(t, good)
}

func TestEarlyStoppingRestoresBestWeights(t *testing.T) {
	stopper := newEarlyStopping(3)
	head := func(marker float64) *inference.DenseLayer {
		return &inference.DenseLayer{Inputs: 1, Outputs: 1, Weights: []float64{marker}, Bias: []float64{0}}
	}

	losses := []float64{1.0, 0.8, 0.9, 0.85, 0.95}
	stoppedAt := -1
	for i, loss := range losses {
		if stopper.observe(loss, head(float64(i))) {
			stoppedAt = i
			break
		}
	}

	assert.Equal(t, 4, stoppedAt)
	assert.Equal(t, 0.8, stopper.best)
	assert.Equal(t, []float64{1}, stopper.weights.Weights)
}

func TestEarlyStoppingRestoresOnlyWhenStopped(t *testing.T) {
	stopper := newEarlyStopping(5)
	best := &inference.DenseLayer{Inputs: 1, Outputs: 1, Weights: []float64{1}, Bias: []float64{0}}
	last := &inference.DenseLayer{Inputs: 1, Outputs: 1, Weights: []float64{2}, Bias: []float64{0}}

	assert.False(t, stopper.observe(0.5, best))
	assert.False(t, stopper.observe(0.9, last))

	assert.Same(t, last, stopper.restore(last, false))
	assert.Equal(t, []float64{1}, stopper.restore(last, true).Weights)

	fresh := newEarlyStopping(1)
	assert.Same(t, last, fresh.restore(last, true))
}

func TestEarlyStoppingResetsOnImprovement(t *testing.T) {
	stopper := newEarlyStopping(2)
	h := &inference.DenseLayer{Inputs: 1, Outputs: 1, Weights: []float64{0}, Bias: []float64{0}}

	assert.False(t, stopper.observe(1.0, h))
	assert.False(t, stopper.observe(1.1, h))
	assert.False(t, stopper.observe(0.5, h))
	assert.False(t, stopper.observe(0.6, h))
	assert.True(t, stopper.observe(0.7, h))
}

func TestFitCheckpointsOnAccuracyImprovement(t *testing.T) {
	train := []Sample{
		{Features: []float64{1, 0}, Label: 0},
		{Features: []float64{0, 1}, Label: 1},
		{Features: []float64{0.9, 0.1}, Label: 0},
		{Features: []float64{0.1, 0.9}, Label: 1},
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Epochs = 50
	cfg.LearningRate = 0.1
	cfg.Dropout = 0
	cfg.Patience = 50

	var checkpoints []EpochStats
	result, err := fit(context.Background(), cfg, 2, train, train, func(head *inference.DenseLayer, stats EpochStats) error {
		checkpoints = append(checkpoints, stats)
		return nil
	}, zap.NewNop())
	require.NoError(t, err)

	require.NotEmpty(t, checkpoints)
	for i := 1; i < len(checkpoints); i++ {
		assert.Greater(t, checkpoints[i].ValAccuracy, checkpoints[i-1].ValAccuracy)
	}
	_, accuracy := evaluate(result.Head, train)
	assert.Equal(t, 1.0, accuracy)
	assert.Less(t, result.BestValLoss, result.History[0].ValLoss)
}

func TestTrainBatchReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	head := newHead(rng, 2, 2)
	opt := newAdam(0.1, head)
	batch := []Sample{{Features: []float64{1, 0}, Label: 0}, {Features: []float64{0, 1}, Label: 1}}

	before, _ := evaluate(head, batch)
	for i := 0; i < 20; i++ {
		trainBatch(head, opt, batch, 0, rng)
	}
	after, _ := evaluate(head, batch)
	assert.Less(t, after, before)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Dropout = 1
	cfg.Epochs = 0
	assert.Error(t, cfg.Validate())
}
