package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/biosense/internal/auth"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/repository"
)

// TokenType is the scheme clients must use when presenting access tokens.
const TokenType = "bearer"

// UserStore defines the persistence operations needed for accounts.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*repository.User, error)
	CreateUser(ctx context.Context, name, email, passwordHash string) (*repository.User, error)
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// TokenService issues and verifies access tokens bound to an email.
type TokenService interface {
	Issue(email string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// Profile is the public view of a user's reward state.
type Profile struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Points int    `json:"points"`
	Total  int    `json:"total"`
	Bio    int    `json:"bio"`
	Nonbio int    `json:"nonbio"`
}

// NewProfile projects a stored user onto its public profile.
func NewProfile(user *repository.User) Profile {
	return Profile{
		Name:   user.Name,
		Email:  user.Email,
		Points: user.Points,
		Total:  user.TotalClassified,
		Bio:    user.BioCount,
		Nonbio: user.NonbioCount,
	}
}

// Session is returned by register and login.
type Session struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	User        Profile `json:"user"`
}

// AccountUseCase implements registration, login and token authentication.
type AccountUseCase struct {
	users  UserStore
	hasher PasswordHasher
	tokens TokenService
	logger *zap.Logger
}

// NewAccountUseCase constructs a new use case instance.
func NewAccountUseCase(users UserStore, hasher PasswordHasher, tokens TokenService, logger *zap.Logger) *AccountUseCase {
	return &AccountUseCase{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		logger: logger.Named("account_usecase"),
	}
}

// Register creates a user with zeroed counters and signs them in.
func (uc *AccountUseCase) Register(ctx context.Context, name, email, password string) (*Session, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return nil, fmt.Errorf("%w: name, email and password are required", ErrValidation)
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.register", logging.RequestIDFromContext(ctx))

	if _, err := uc.users.FindUserByEmail(ctx, email); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	hash, err := uc.hasher.Hash(password)
	if err != nil {
		opLogger.Error("failed to hash password", zap.Error(err))
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := uc.users.CreateUser(ctx, name, email, hash)
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	opLogger.Info("user registered", zap.Uint("user_id", user.ID))
	return uc.session(user)
}

// Login verifies the credentials and issues a new token.
func (uc *AccountUseCase) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := uc.users.FindUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, auth.NewError("Incorrect email or password", nil)
	}
	if err != nil {
		return nil, err
	}
	if !uc.hasher.Verify(user.PasswordHash, password) {
		return nil, auth.NewError("Incorrect email or password", nil)
	}
	return uc.session(user)
}

// Authenticate resolves a bearer token to the user it was issued for.
func (uc *AccountUseCase) Authenticate(ctx context.Context, token string) (*repository.User, error) {
	email, err := uc.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := uc.users.FindUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, auth.NewError("User not found", err)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (uc *AccountUseCase) session(user *repository.User) (*Session, error) {
	token, _, err := uc.tokens.Issue(user.Email)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: token, TokenType: TokenType, User: NewProfile(user)}, nil
}
