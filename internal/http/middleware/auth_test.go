package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestExtract(t *testing.T) {
	cases := []struct {
		header  string
		token   string
		outcome middleware.Outcome
	}{
		{header: "", outcome: middleware.NotApplicable},
		{header: "Bearer abc", outcome: middleware.NotApplicable},
		{header: "Devices abc", outcome: middleware.NotApplicable},
		{header: "Device", outcome: middleware.Fail},
		{header: "Device    ", outcome: middleware.Fail},
		{header: "Device abc", token: "abc", outcome: middleware.Validate},
		{header: "device  abc ", token: "abc", outcome: middleware.Validate},
	}
	for _, tc := range cases {
		token, outcome := middleware.Extract(tc.header, middleware.DeviceScheme)
		require.Equal(t, tc.outcome, outcome, tc.header)
		require.Equal(t, tc.token, token, tc.header)
	}
}

type stubValidator struct {
	identities map[string]*domain.DeviceIdentityContext
	failure    error
	calls      int
}

func (s *stubValidator) ValidateAccessToken(_ context.Context, raw string) (*domain.DeviceIdentityContext, error) {
	s.calls++
	if s.failure != nil {
		return nil, s.failure
	}
	if id, ok := s.identities[raw]; ok {
		return id, nil
	}
	return nil, domain.ErrTokenRevoked
}

func newRouter(validator *stubValidator) *gin.Engine {
	auth := middleware.NewAuth(validator, []string{"admin-secret"})
	r := gin.New()
	r.Use(middleware.RequestLogger(zap.NewNop()), auth.Authenticate)
	r.POST("/auth", middleware.RequireDevice, func(c *gin.Context) {
		id, ok := middleware.GetDeviceIdentity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deviceId": id.DeviceID})
	})
	r.GET("/admin/ping", middleware.RequireAdmin, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r http.Handler, method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticateDevice(t *testing.T) {
	validator := &stubValidator{identities: map[string]*domain.DeviceIdentityContext{
		"fresh": {DeviceID: 42},
		"stale": {DeviceID: 42, RequiresTokenRefresh: true},
	}}
	r := newRouter(validator)

	w := do(r, http.MethodPost, "/auth", "Device fresh")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"deviceId":42}`, w.Body.String())
	require.Empty(t, w.Header().Get(middleware.RefreshHeader))
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = do(r, http.MethodPost, "/auth", "Device stale")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "true", w.Header().Get(middleware.RefreshHeader))
}

func TestAuthenticateDeviceFailures(t *testing.T) {
	validator := &stubValidator{}
	r := newRouter(validator)

	w := do(r, http.MethodPost, "/auth", "Device revoked-token")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"invalid_token","error_description":"Invalid or expired token."}`, w.Body.String())

	w = do(r, http.MethodPost, "/auth", "Device ")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/auth", "")
	require.Equal(t, http.StatusUnauthorized, w.Code, "no credentials falls through to the route guard")

	w = do(r, http.MethodPost, "/auth", "Bearer something")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	require.Equal(t, 1, validator.calls, "only a well-formed Device header reaches validation")
}

func TestAuthenticateDeviceStoreFailure(t *testing.T) {
	validator := &stubValidator{failure: fmt.Errorf("lookup access token: %w", errors.New("dial tcp 10.0.0.5:5432: connection refused"))}
	r := newRouter(validator)

	w := do(r, http.MethodPost, "/auth", "Device some-token")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"server_error","error_description":"Internal server error."}`, w.Body.String())
	require.NotContains(t, w.Body.String(), "10.0.0.5")

	validator.failure = fmt.Errorf("resolve device: %w", domain.ErrTokenRevoked)
	w = do(r, http.MethodPost, "/auth", "Device some-token")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleGuards(t *testing.T) {
	validator := &stubValidator{identities: map[string]*domain.DeviceIdentityContext{"tok": {DeviceID: 7}}}
	r := newRouter(validator)

	require.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/admin/ping", "ApiKey admin-secret").Code)
	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/admin/ping", "ApiKey wrong").Code)
	require.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin/ping", "Device tok").Code)
	require.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/auth", "ApiKey admin-secret").Code)
}

func TestRequestLoggerKeepsIncomingID(t *testing.T) {
	r := gin.New()
	r.Use(middleware.RequestLogger(zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "req-123", w.Header().Get(middleware.RequestIDHeader))
}
