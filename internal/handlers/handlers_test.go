package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/biosense/internal/auth"
	"github.com/example/biosense/internal/config"
	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/repository"
	"github.com/example/biosense/internal/usecase"
)

const testUploadLimit = 1024

type stubClassifier struct {
	prediction *inference.Prediction
	err        error
}

func (s *stubClassifier) Classify(ctx context.Context, imageBytes []byte) (*inference.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.prediction, nil
}

type testServer struct {
	router     *gin.Engine
	users      *repository.UserRepository
	classifier *stubClassifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "api.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := repository.Open(context.Background(), config.DatabaseConfig{
		Driver:   config.DriverSQLite,
		DSN:      dsn,
		LogLevel: "silent",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	users := repository.NewUserRepository(db, zap.NewNop())
	require.NoError(t, users.AutoMigrate(context.Background()))

	ring, err := auth.NewKeyring("k1", map[string]string{"k1": "test-secret"})
	require.NoError(t, err)
	issuer := auth.NewTokenIssuer(ring, 24*time.Hour)

	accounts := usecase.NewAccountUseCase(users, auth.NewPasswordHasher(4), issuer, zap.NewNop())
	classifier := &stubClassifier{prediction: &inference.Prediction{Label: "Biodegradable", Confidence: 93.25}}
	classifications := usecase.NewClassificationUseCase(users, classifier, usecase.NoopCache{}, time.Minute, zap.NewNop())

	router := gin.New()
	router.Use(RequestID())
	RegisterRoutes(router, Options{
		Accounts:        accounts,
		Classifications: classifications,
		Authenticate:    auth.JWTMiddleware(accounts, zap.NewNop()),
		MaxUploadSize:   testUploadLimit,
		Logger:          zap.NewNop(),
	})
	return &testServer{router: router, users: users, classifier: classifier}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) upload(t *testing.T, token, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) register(t *testing.T, name, email, password string) usecase.Session {
	t.Helper()
	resp := s.do(http.MethodPost, "/register", "", gin.H{"name": name, "email": email, "password": password})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var session usecase.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))
	return session
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get(RequestIDHeader))
}

func TestRegisterLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	assert.Equal(t, "bearer", session.TokenType)
	assert.Equal(t, usecase.Profile{Name: "Ada", Email: "ada@example.com"}, session.User)

	resp := s.do(http.MethodPost, "/login", "", gin.H{"email": "ada@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(http.MethodGet, "/me", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"name":"Ada","email":"ada@example.com","points":0,"total":0,"bio":0,"nonbio":0}`, resp.Body.String())
}

func TestRegisterRejectsTakenEmail(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/register", "", gin.H{"name": "Eve", "email": "ada@example.com", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.JSONEq(t, `{"error":"Email already exists"}`, resp.Body.String())
}

func TestRegisterRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(http.MethodPost, "/register", "", gin.H{"name": "Ada", "email": "not-an-email", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/login", "", gin.H{"email": "ada@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	assert.JSONEq(t, `{"error":"Incorrect email or password"}`, resp.Body.String())

	resp = s.do(http.MethodPost, "/login", "", gin.H{"email": "nobody@example.com", "password": "pw"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/me"},
		{http.MethodPost, "/predict"},
		{http.MethodPost, "/update-points"},
		{http.MethodPost, "/reward"},
		{http.MethodGet, "/history"},
	} {
		resp := s.do(route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code, route.path)
	}

	resp := s.do(http.MethodGet, "/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestPredict(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.upload(t, session.AccessToken, "image/png", []byte("png-bytes"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"class":"Biodegradable","confidence":93.25}`, resp.Body.String())
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.upload(t, session.AccessToken, "image/png", bytes.Repeat([]byte("a"), testUploadLimit+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.upload(t, session.AccessToken, "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.Code)
}

func TestPredictRejectsUndecodableImage(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")
	s.classifier.err = inference.ErrDecode

	resp := s.upload(t, session.AccessToken, "image/jpeg", []byte("not really a jpeg"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUpdatePointsOverwritesAndRecordsHistory(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"points": 55, "total": 6, "bio": 4, "nonbio": 2,
		"predicted_class": "bio", "confidence": 91, "points_earned": 5,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"message":"OK"}`, resp.Body.String())

	resp = s.do(http.MethodGet, "/me", session.AccessToken, nil)
	assert.JSONEq(t, `{"name":"Ada","email":"ada@example.com","points":55,"total":6,"bio":4,"nonbio":2}`, resp.Body.String())

	resp = s.do(http.MethodGet, "/history", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var items []repository.ClassificationHistory
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "bio", items[0].PredictedClass)
	assert.Equal(t, 91, items[0].Confidence)
	assert.Equal(t, 5, items[0].PointsEarned)
}

func TestUpdatePointsRejectsInvalidValues(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"points": -1, "total": 0, "bio": 0, "nonbio": 0,
		"predicted_class": "bio", "confidence": 50, "points_earned": 5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"points": 5, "total": 1, "bio": 1, "nonbio": 0,
		"predicted_class": "bio", "confidence": 150, "points_earned": 5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUpdatePointsRejectsMissingCounters(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"points": 55, "total": 6, "bio": 4, "nonbio": 2,
		"predicted_class": "bio", "confidence": 91, "points_earned": 5,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"predicted_class": "bio", "confidence": 50,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.JSONEq(t, `{"error":"invalid request body"}`, resp.Body.String())

	resp = s.do(http.MethodGet, "/me", session.AccessToken, nil)
	assert.JSONEq(t, `{"name":"Ada","email":"ada@example.com","points":55,"total":6,"bio":4,"nonbio":2}`, resp.Body.String())
}

func TestUpdatePointsAcceptsZeroCounters(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/update-points", session.AccessToken, gin.H{
		"points": 0, "total": 0, "bio": 0, "nonbio": 0,
		"predicted_class": "nonbio", "confidence": 0, "points_earned": 0,
	})
	assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func TestRewardAppliesServerSideRule(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodPost, "/reward", session.AccessToken, gin.H{"predicted_class": "Non-Biodegradable", "confidence": 80})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"points_earned":10,"user":{"name":"Ada","email":"ada@example.com","points":10,"total":1,"bio":0,"nonbio":1}}`, resp.Body.String())

	resp = s.do(http.MethodPost, "/reward", session.AccessToken, gin.H{"predicted_class": "Biodegradable", "confidence": 70})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"points_earned":5,"user":{"name":"Ada","email":"ada@example.com","points":15,"total":2,"bio":1,"nonbio":1}}`, resp.Body.String())
}

func TestHistoryLimit(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")
	for i := 0; i < 3; i++ {
		resp := s.do(http.MethodPost, "/reward", session.AccessToken, gin.H{"predicted_class": "Biodegradable", "confidence": 70})
		require.Equal(t, http.StatusOK, resp.Code)
	}

	resp := s.do(http.MethodGet, "/history?limit=2", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var items []repository.ClassificationHistory
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &items))
	assert.Len(t, items, 2)

	for _, bad := range []string{"0", "21", "abc"} {
		resp = s.do(http.MethodGet, "/history?limit="+bad, session.AccessToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, bad)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	s := newTestServer(t)
	session := s.register(t, "Ada", "ada@example.com", "pw")

	resp := s.do(http.MethodGet, "/history", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "[]", strings.TrimSpace(resp.Body.String()))
}

type stubClassifications struct {
	err error
}

func (s *stubClassifications) Predict(ctx context.Context, imageBytes []byte) (*usecase.PredictionResult, error) {
	return nil, s.err
}

func (s *stubClassifications) SubmitResult(ctx context.Context, user *repository.User, sub usecase.Submission) error {
	return s.err
}

func (s *stubClassifications) Reward(ctx context.Context, user *repository.User, predictedClass string, confidence float64) (*usecase.RewardResult, error) {
	return nil, s.err
}

func (s *stubClassifications) History(ctx context.Context, user *repository.User, limit int) ([]repository.ClassificationHistory, error) {
	return nil, s.err
}

func newStubRouter(classifications ClassificationService, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	RegisterRoutes(router, Options{
		Classifications: classifications,
		Authenticate: func(c *gin.Context) {
			user := &repository.User{ID: 7, Email: "gone@example.com"}
			c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), user))
			c.Next()
		},
		MaxUploadSize: testUploadLimit,
		Logger:        logger,
	})
	return router
}

func TestRewardForDeletedUserIsUnauthorized(t *testing.T) {
	router := newStubRouter(&stubClassifications{err: repository.ErrUserNotFound}, zap.NewNop())

	raw, _ := json.Marshal(gin.H{"predicted_class": "Biodegradable", "confidence": 70})
	req := httptest.NewRequest(http.MethodPost, "/reward", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "Bearer", resp.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"error":"User not found"}`, resp.Body.String())
}

func TestInternalErrorLogsOperation(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failure := logging.NewOperationError("repository.list_history", "", errors.New("disk full"))
	router := newStubRouter(&stubClassifications{err: failure}, zap.New(core))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/history", nil))

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, resp.Body.String())
	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "repository.list_history", entries[0].ContextMap()["operation"])
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Recovery(zap.NewNop()), Logger(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestRequestIDReusesCallerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, "req-42", resp.Header().Get(RequestIDHeader))
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}
