package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/example/biosense/internal/inference"
)

// Sample is one image reduced to its pooled backbone features.
type Sample struct {
	Features []float64
	Label    int
}

// ListClasses returns the class directories under dir in lexical order.
// The position of a class in the result is its output index.
func ListClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) < 2 {
		return nil, fmt.Errorf("list classes: %s needs at least two class directories, found %d", dir, len(classes))
	}
	sort.Strings(classes)
	return classes, nil
}

// LoadFeatures preprocesses every image under dir/<class> and runs it
// through backbone once. The result is reused for every epoch.
func LoadFeatures(ctx context.Context, dir string, classes []string, backbone *inference.Backbone, inputSize, workers int) ([]Sample, error) {
	type job struct {
		path  string
		label int
	}
	var jobs []job
	for label, class := range classes {
		entries, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", class, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				jobs = append(jobs, job{path: filepath.Join(dir, class, e.Name()), label: label})
			}
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("load features: no images under %s", dir)
	}

	samples := make([]Sample, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(j.path)
			if err != nil {
				return err
			}
			img, err := inference.Decode(data)
			if err != nil {
				return fmt.Errorf("%s: %w", j.path, err)
			}
			samples[i] = Sample{
				Features: backbone.Features(inference.Preprocess(img, inputSize)),
				Label:    j.label,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

// checkClasses fails unless the validation classes equal the training classes.
func checkClasses(train, val []string) error {
	if !slices.Equal(train, val) {
		return errors.New("validation classes do not match training classes")
	}
	return nil
}
