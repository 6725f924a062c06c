package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/repository"
)

// ClassificationStore defines the persistence operations needed by the
// prediction and reward flows.
type ClassificationStore interface {
	SubmitResult(ctx context.Context, user *repository.User, stats repository.Stats, entry repository.HistoryEntry) (*repository.ClassificationHistory, error)
	ApplyReward(ctx context.Context, user *repository.User, delta repository.Stats, entry repository.HistoryEntry) (*repository.ClassificationHistory, error)
	ListHistory(ctx context.Context, user *repository.User, limit int) ([]repository.ClassificationHistory, error)
}

// PredictionResult is the client-facing classification outcome.
type PredictionResult struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Submission carries the client-computed counters and the event to record.
type Submission struct {
	Points         int
	Total          int
	Bio            int
	Nonbio         int
	PredictedClass string
	Confidence     float64
	PointsEarned   int
}

// Validate rejects negative counters, an empty class and out-of-range confidence.
func (s Submission) Validate() error {
	if s.Points < 0 || s.Total < 0 || s.Bio < 0 || s.Nonbio < 0 || s.PointsEarned < 0 {
		return fmt.Errorf("%w: counters must be non-negative", ErrValidation)
	}
	if strings.TrimSpace(s.PredictedClass) == "" {
		return fmt.Errorf("%w: predicted_class is required", ErrValidation)
	}
	return validateConfidence(s.Confidence)
}

// RewardResult is returned after a server-side reward is applied.
type RewardResult struct {
	PointsEarned int     `json:"points_earned"`
	User         Profile `json:"user"`
}

// ClassificationUseCase encapsulates prediction, reward and history logic.
type ClassificationUseCase struct {
	store      ClassificationStore
	classifier inference.Classifier
	cache      Cache
	cacheTTL   time.Duration
	retry      retryPolicy
	logger     *zap.Logger
}

// NewClassificationUseCase constructs a new use case instance. A nil cache
// disables prediction caching.
func NewClassificationUseCase(store ClassificationStore, classifier inference.Classifier, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *ClassificationUseCase {
	if cache == nil {
		cache = NoopCache{}
	}
	return &ClassificationUseCase{
		store:      store,
		classifier: classifier,
		cache:      cache,
		cacheTTL:   cacheTTL,
		retry:      defaultRetryPolicy,
		logger:     logger.Named("classification_usecase"),
	}
}

// Predict classifies imageBytes, serving repeated uploads from the cache.
func (uc *ClassificationUseCase) Predict(ctx context.Context, imageBytes []byte) (*PredictionResult, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	hash := sha1.Sum(imageBytes)
	cacheKey := "prediction:" + hex.EncodeToString(hash[:])

	var cached string
	err := uc.retry.run(ctx, uc.logger, "cache.get.prediction", func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		cached = value
		return err
	})
	switch {
	case err == nil:
		var result PredictionResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return &result, nil
		}
		opLogger.Warn("failed to decode cached prediction", zap.String("key", cacheKey))
	case !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read prediction cache", zap.Error(err))
	}

	prediction, err := uc.classifier.Classify(ctx, imageBytes)
	if err != nil {
		if errors.Is(err, inference.ErrDecode) {
			return nil, err
		}
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}
	result := &PredictionResult{Class: prediction.Label, Confidence: prediction.Confidence}

	serialized, err := json.Marshal(result)
	if err != nil {
		return result, nil
	}
	if err := uc.retry.run(ctx, uc.logger, "cache.set.prediction", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction", zap.Error(err))
	}
	return result, nil
}

// SubmitResult overwrites the user's counters with the submitted totals and
// records the classification event.
func (uc *ClassificationUseCase) SubmitResult(ctx context.Context, user *repository.User, sub Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	stats := repository.Stats{Points: sub.Points, Total: sub.Total, Bio: sub.Bio, Nonbio: sub.Nonbio}
	entry := repository.HistoryEntry{
		PredictedClass: sub.PredictedClass,
		Confidence:     int(sub.Confidence),
		PointsEarned:   sub.PointsEarned,
	}
	if _, err := uc.store.SubmitResult(ctx, user, stats, entry); err != nil {
		return err
	}
	logging.WithOperation(uc.logger, "usecase.submit_result", logging.RequestIDFromContext(ctx)).
		Info("classification recorded", zap.Uint("user_id", user.ID), zap.String("class", sub.PredictedClass))
	return nil
}

// Reward applies the server-side points rule for predictedClass.
func (uc *ClassificationUseCase) Reward(ctx context.Context, user *repository.User, predictedClass string, confidence float64) (*RewardResult, error) {
	if strings.TrimSpace(predictedClass) == "" {
		return nil, fmt.Errorf("%w: predicted_class is required", ErrValidation)
	}
	if err := validateConfidence(confidence); err != nil {
		return nil, err
	}
	delta := RewardFor(predictedClass)
	entry := repository.HistoryEntry{
		PredictedClass: predictedClass,
		Confidence:     int(confidence),
		PointsEarned:   delta.Points,
	}
	if _, err := uc.store.ApplyReward(ctx, user, delta, entry); err != nil {
		return nil, err
	}
	return &RewardResult{PointsEarned: delta.Points, User: NewProfile(user)}, nil
}

// History returns the user's most recent classifications, newest first.
// Limits outside 1..DefaultHistoryLimit fall back to the default.
func (uc *ClassificationUseCase) History(ctx context.Context, user *repository.User, limit int) ([]repository.ClassificationHistory, error) {
	if limit <= 0 || limit > repository.DefaultHistoryLimit {
		limit = repository.DefaultHistoryLimit
	}
	return uc.store.ListHistory(ctx, user, limit)
}

func validateConfidence(confidence float64) error {
	if confidence < 0 || confidence > 100 {
		return fmt.Errorf("%w: confidence must be between 0 and 100", ErrValidation)
	}
	return nil
}
