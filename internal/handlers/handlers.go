package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/biosense/internal/auth"
	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/repository"
	"github.com/example/biosense/internal/usecase"
)

// DefaultMaxUploadSize bounds the image accepted by /predict.
const DefaultMaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed on top of the image for the
// multipart framing around it.
const multipartOverhead = 64 << 10

// AccountService is the account flow used by the API.
type AccountService interface {
	Register(ctx context.Context, name, email, password string) (*usecase.Session, error)
	Login(ctx context.Context, email, password string) (*usecase.Session, error)
}

// ClassificationService is the prediction and reward flow used by the API.
type ClassificationService interface {
	Predict(ctx context.Context, imageBytes []byte) (*usecase.PredictionResult, error)
	SubmitResult(ctx context.Context, user *repository.User, sub usecase.Submission) error
	Reward(ctx context.Context, user *repository.User, predictedClass string, confidence float64) (*usecase.RewardResult, error)
	History(ctx context.Context, user *repository.User, limit int) ([]repository.ClassificationHistory, error)
}

// Options configures RegisterRoutes. Authenticate guards every route that
// needs a signed-in user.
type Options struct {
	Accounts        AccountService
	Classifications ClassificationService
	Authenticate    gin.HandlerFunc
	MaxUploadSize   int64
	Logger          *zap.Logger
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// updatePointsRequest uses pointers so an omitted counter is rejected
// instead of binding as zero.
type updatePointsRequest struct {
	Points         *int     `json:"points" binding:"required"`
	Total          *int     `json:"total" binding:"required"`
	Bio            *int     `json:"bio" binding:"required"`
	Nonbio         *int     `json:"nonbio" binding:"required"`
	PredictedClass string   `json:"predicted_class" binding:"required"`
	Confidence     *float64 `json:"confidence" binding:"required"`
	PointsEarned   *int     `json:"points_earned" binding:"required"`
}

type rewardRequest struct {
	PredictedClass string  `json:"predicted_class" binding:"required"`
	Confidence     float64 `json:"confidence"`
}

type api struct {
	accounts        AccountService
	classifications ClassificationService
	maxUploadSize   int64
	logger          *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &api{
		accounts:        opts.Accounts,
		classifications: opts.Classifications,
		maxUploadSize:   opts.MaxUploadSize,
		logger:          opts.Logger.Named("handlers"),
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/register", h.register)
	router.POST("/login", h.login)

	protected := router.Group("/")
	if opts.Authenticate != nil {
		protected.Use(opts.Authenticate)
	}
	protected.GET("/me", h.me)
	protected.POST("/predict", h.predict)
	protected.POST("/update-points", h.updatePoints)
	protected.POST("/reward", h.reward)
	protected.GET("/history", h.history)
}

func (h *api) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, a valid email and password are required"})
		return
	}

	session, err := h.accounts.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *api) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	session, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *api) me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, usecase.NewProfile(user))
}

func (h *api) predict(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadSize+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file must be an image"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	result, err := h.classifications.Predict(c.Request.Context(), data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *api) updatePoints(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req updatePointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.classifications.SubmitResult(c.Request.Context(), user, usecase.Submission{
		Points:         *req.Points,
		Total:          *req.Total,
		Bio:            *req.Bio,
		Nonbio:         *req.Nonbio,
		PredictedClass: req.PredictedClass,
		Confidence:     *req.Confidence,
		PointsEarned:   *req.PointsEarned,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (h *api) reward(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req rewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "predicted_class is required"})
		return
	}

	result, err := h.classifications.Reward(c.Request.Context(), user, req.PredictedClass, req.Confidence)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *api) history(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	limit := repository.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repository.DefaultHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 20"})
			return
		}
		limit = n
	}

	items, err := h.classifications.History(c.Request.Context(), user, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []repository.ClassificationHistory{}
	}
	c.JSON(http.StatusOK, items)
}

func (h *api) currentUser(c *gin.Context) (*repository.User, bool) {
	user, ok := auth.CurrentUser(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
	}
	return user, ok
}

// writeError maps use case failures onto HTTP statuses.
func (h *api) writeError(c *gin.Context, err error) {
	var authErr *auth.Error
	switch {
	case errors.As(err, &authErr):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Reason})
	case errors.Is(err, usecase.ErrConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email already exists"})
	case errors.Is(err, usecase.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, inference.ErrDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image file"})
	case errors.Is(err, repository.ErrUserNotFound):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
	default:
		_ = c.Error(err)
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", c.FullPath()),
			zap.String("operation", logging.OperationOf(err)),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
