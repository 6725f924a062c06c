package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biosense/internal/logging"
)

// DefaultHistoryLimit is the page size used when callers pass no limit.
const DefaultHistoryLimit = 20

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateEmail is returned when the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)

// UserRepository owns users and their classification history.
// Every call runs in its own session bound to ctx.
type UserRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger.Named("user_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *UserRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&User{}, &ClassificationHistory{})
}

// FindUserByEmail loads the user registered under email.
func (r *UserRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, r.fail("repository.find_user_by_email", err)
	}
	return &user, nil
}

// CreateUser inserts a user with zeroed reward counters.
func (r *UserRepository) CreateUser(ctx context.Context, name, email, passwordHash string) (*User, error) {
	user := &User{Name: name, Email: email, PasswordHash: passwordHash}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, r.fail("repository.create_user", err)
	}
	return user, nil
}

// UpdateUserStats overwrites the user's counters with stats.
func (r *UserRepository) UpdateUserStats(ctx context.Context, user *User, stats Stats) error {
	if err := overwriteStats(r.db.WithContext(ctx), user, stats); err != nil {
		return r.fail("repository.update_user_stats", err)
	}
	return nil
}

// AppendHistory records one classification event for user.
func (r *UserRepository) AppendHistory(ctx context.Context, user *User, entry HistoryEntry) (*ClassificationHistory, error) {
	history, err := appendHistory(r.db.WithContext(ctx), user, entry)
	if err != nil {
		return nil, r.fail("repository.append_history", err)
	}
	return history, nil
}

// ListHistory returns up to limit history rows for user, newest first.
func (r *UserRepository) ListHistory(ctx context.Context, user *User, limit int) ([]ClassificationHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	histories := make([]ClassificationHistory, 0, limit)
	err := r.db.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&histories).Error
	if err != nil {
		return nil, r.fail("repository.list_history", err)
	}
	return histories, nil
}

// SubmitResult overwrites the counters and appends the history row in a
// single transaction, so neither is visible without the other.
func (r *UserRepository) SubmitResult(ctx context.Context, user *User, stats Stats, entry HistoryEntry) (*ClassificationHistory, error) {
	var history *ClassificationHistory
	updated := *user
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := overwriteStats(tx, &updated, stats); err != nil {
			return err
		}
		var err error
		history, err = appendHistory(tx, &updated, entry)
		return err
	})
	if err != nil {
		return nil, r.fail("repository.submit_result", err)
	}
	*user = updated
	return history, nil
}

// ApplyReward adds delta to the stored counters and appends the history row
// in a single transaction. The increments are computed by the database, so
// concurrent rewards for the same user are never lost.
func (r *UserRepository) ApplyReward(ctx context.Context, user *User, delta Stats, entry HistoryEntry) (*ClassificationHistory, error) {
	var (
		history *ClassificationHistory
		fresh   User
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"points":           gorm.Expr("points + ?", delta.Points),
			"total_classified": gorm.Expr("total_classified + ?", delta.Total),
			"bio_count":        gorm.Expr("bio_count + ?", delta.Bio),
			"nonbio_count":     gorm.Expr("nonbio_count + ?", delta.Nonbio),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		if err := tx.First(&fresh, user.ID).Error; err != nil {
			return err
		}
		var err error
		history, err = appendHistory(tx, &fresh, entry)
		return err
	})
	if errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, r.fail("repository.apply_reward", err)
	}
	*user = fresh
	return history, nil
}

func (r *UserRepository) fail(operation string, err error) error {
	wrapped := logging.NewOperationError(operation, "", err)
	r.logger.Error("database operation failed", zap.String("operation", operation), zap.Error(err))
	return wrapped
}

func overwriteStats(db *gorm.DB, user *User, stats Stats) error {
	err := db.Model(&User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"points":           stats.Points,
		"total_classified": stats.Total,
		"bio_count":        stats.Bio,
		"nonbio_count":     stats.Nonbio,
	}).Error
	if err != nil {
		return err
	}
	user.Points = stats.Points
	user.TotalClassified = stats.Total
	user.BioCount = stats.Bio
	user.NonbioCount = stats.Nonbio
	return nil
}

func appendHistory(db *gorm.DB, user *User, entry HistoryEntry) (*ClassificationHistory, error) {
	history := &ClassificationHistory{
		UserID:         user.ID,
		PredictedClass: entry.PredictedClass,
		Confidence:     entry.Confidence,
		PointsEarned:   entry.PointsEarned,
	}
	if err := db.Create(history).Error; err != nil {
		return nil, err
	}
	return history, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
