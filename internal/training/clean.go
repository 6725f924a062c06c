package training

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/biosense/internal/inference"
)

// Clean removes every file under root that does not decode as an image and
// returns the removed paths in lexical order.
func Clean(ctx context.Context, root string, workers int, logger *zap.Logger) ([]string, error) {
	paths, err := listFiles(root)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		removed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if _, err := inference.Decode(data); err == nil {
				return nil
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			logger.Warn("removed unreadable image", zap.String("path", path))
			mu.Lock()
			removed = append(removed, path)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(removed)
	logger.Info("dataset cleaned", zap.String("root", root), zap.Int("scanned", len(paths)), zap.Int("removed", len(removed)))
	return removed, nil
}

func listFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return paths, nil
}
