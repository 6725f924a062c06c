package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/biosense/internal/repository"
)

type contextKey string

const userKey contextKey = "authUser"

// Authenticator resolves a bearer token to the user it was issued for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*repository.User, error)
}

// CurrentUser retrieves the authenticated user from context.
func CurrentUser(ctx context.Context) (*repository.User, bool) {
	if ctx == nil {
		return nil, false
	}
	user, ok := ctx.Value(userKey).(*repository.User)
	return user, ok && user != nil
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *repository.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// JWTMiddleware validates bearer tokens and injects the resolved user.
func JWTMiddleware(authn Authenticator, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		user, err := authn.Authenticate(c.Request.Context(), tokenString)
		if err != nil {
			var authErr *Error
			if errors.As(err, &authErr) {
				unauthorized(c, authErr.Reason)
				return
			}
			logger.Error("failed to authenticate request", zap.Error(err), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Set(string(userKey), user)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
