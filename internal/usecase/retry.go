package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/logging"
)

// retryPolicy retries transient failures with exponential backoff.
type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

var defaultRetryPolicy = retryPolicy{
	attempts:       3,
	initialBackoff: 50 * time.Millisecond,
	maxBackoff:     time.Second,
}

func (p retryPolicy) run(ctx context.Context, logger *zap.Logger, operation string, fn func() error) error {
	requestID := logging.RequestIDFromContext(ctx)
	if p.attempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := p.initialBackoff
	opLogger := logging.WithOperation(logger, operation, requestID)
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == p.attempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
