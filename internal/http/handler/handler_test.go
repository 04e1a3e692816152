package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cropwatch/device-auth/internal/clock"
	"github.com/cropwatch/device-auth/internal/config"
	"github.com/cropwatch/device-auth/internal/domain"
	httpHandler "github.com/cropwatch/device-auth/internal/http/handler"
	"github.com/cropwatch/device-auth/internal/identity"
	"github.com/cropwatch/device-auth/internal/ingest"
	"github.com/cropwatch/device-auth/internal/repository"
	"github.com/cropwatch/device-auth/internal/service"
	"github.com/cropwatch/device-auth/internal/token"
)

var now = time.Date(2025, 7, 2, 14, 0, 0, 0, time.UTC)

type env struct {
	store       *repository.MemoryStore
	tokens      *service.TokenService
	activations *service.ActivationService
	sink        *recordingSink
	device      *httpHandler.DeviceHandler
	admin       *httpHandler.AdminHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	store := repository.NewMemoryStore()
	clk := clock.NewMock(now)
	tokens := service.NewTokenService(store, store, identity.NewResolver(store, cfg.NearExpiryThreshold), token.NewCodec(cfg.TokenBytes), clk, cfg, zap.NewNop())
	activations, err := service.NewActivationService(store, store, tokens, clk, cfg, zap.NewNop(), service.WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)

	sink := &recordingSink{}
	return &env{
		store:       store,
		tokens:      tokens,
		activations: activations,
		sink:        sink,
		device:      httpHandler.NewDeviceHandler(activations, tokens, sink, clk),
		admin:       httpHandler.NewAdminHandler(activations, tokens, store),
	}
}

func (e *env) provision(t *testing.T, code string) domain.Device {
	t.Helper()
	plant := int64(5)
	out, err := e.activations.Provision(context.Background(), domain.NewDevice{Name: "vineyard-3", PlantID: &plant, DataCollectionMinutes: 30, ActivationCode: code})
	require.NoError(t, err)
	return out.Device
}

func call(handler gin.HandlerFunc, body any, setup func(c *gin.Context)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case string:
		buf.WriteString(v)
	case nil:
	default:
		_ = json.NewEncoder(&buf).Encode(v)
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	if setup != nil {
		setup(c)
	}
	handler(c)
	c.Writer.WriteHeaderNow()
	return w
}

func withIdentity(id *domain.DeviceIdentityContext) func(c *gin.Context) {
	return func(c *gin.Context) {
		c.Set("deviceIdentity", id)
	}
}

func TestActivateHandler(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")

	w := call(e.device.Activate, gin.H{"deviceId": device.ID, "activationCode": "ABC123", "macAddress": "AA:BB:CC:DD:EE:FF"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AccessToken           string    `json:"accessToken"`
		RefreshToken          string    `json:"refreshToken"`
		AccessTokenExpiration time.Time `json:"accessTokenExpiration"`
		DataCollectionTime    int       `json:"dataCollectionTime"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.True(t, resp.AccessTokenExpiration.Equal(now.Add(time.Hour)))
	require.Equal(t, 30, resp.DataCollectionTime)

	got, err := e.store.GetDevice(context.Background(), device.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeviceStatusActive, got.Status)
}

func TestActivateHandlerGenericFailure(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")

	wrongCode := call(e.device.Activate, gin.H{"deviceId": device.ID, "activationCode": "ZZZ999", "macAddress": "AA:BB:CC:DD:EE:FF"}, nil)
	unknownDevice := call(e.device.Activate, gin.H{"deviceId": 777, "activationCode": "ABC123", "macAddress": "AA:BB:CC:DD:EE:FF"}, nil)

	require.Equal(t, http.StatusBadRequest, wrongCode.Code)
	require.Equal(t, http.StatusBadRequest, unknownDevice.Code)
	require.JSONEq(t, wrongCode.Body.String(), unknownDevice.Body.String(), "failures must be indistinguishable")
}

func TestActivateHandlerValidation(t *testing.T) {
	e := newEnv(t)

	w := call(e.device.Activate, gin.H{"deviceId": 1}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "invalid_request", resp.Error)
	require.Equal(t, "is required", resp.Fields["activationCode"])
	require.Equal(t, "is required", resp.Fields["macAddress"])

	w = call(e.device.Activate, "{not json", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshTokenHandler(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")
	pair, err := e.activations.Activate(context.Background(), device.ID, "ABC123", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	w := call(e.device.RefreshToken, gin.H{"token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "accessToken")

	w = call(e.device.RefreshToken, gin.H{"token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"invalid_token","error_description":"Invalid or expired token."}`, w.Body.String())

	w = call(e.device.RefreshToken, gin.H{"token": "   "}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerReturnsInterval(t *testing.T) {
	e := newEnv(t)
	w := call(e.device.Auth, nil, withIdentity(&domain.DeviceIdentityContext{DeviceID: 9, DataCollectionMinutes: 12}))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"dataCollectionTime":12}`, w.Body.String())

	w = call(e.device.Auth, nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestHandlers(t *testing.T) {
	e := newEnv(t)
	plant := int64(5)
	id := &domain.DeviceIdentityContext{DeviceID: 9, PlantID: &plant, RequiresTokenRefresh: true}

	w := call(e.device.AmbientData, gin.H{"temperature": 0, "humidity": 55.5}, withIdentity(id))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"status":"accepted","requiresTokenRefresh":true}`, w.Body.String())

	w = call(e.device.CaptureData, gin.H{"canopyTemperature": 24.1, "ambientTemperature": 22.0, "imageRef": "s3://bucket/9/0001.jpg"}, withIdentity(id))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = call(e.device.Log, gin.H{"level": "warning", "message": "sd card nearly full"}, withIdentity(id))
	require.Equal(t, http.StatusAccepted, w.Code)

	readings := e.sink.all()
	require.Len(t, readings, 3)
	require.Equal(t, ingest.KindAmbient, readings[0].Kind)
	require.Equal(t, int64(9), readings[0].DeviceID)
	require.Equal(t, int64(5), *readings[0].PlantID)
	require.Equal(t, ingest.KindCapture, readings[1].Kind)
	require.Equal(t, ingest.KindLog, readings[2].Kind)
	require.True(t, readings[2].ReceivedAt.Equal(now))
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t)
	id := &domain.DeviceIdentityContext{DeviceID: 9}

	cases := []struct {
		name    string
		handler func(e *env) gin.HandlerFunc
		body    gin.H
		field   string
	}{
		{name: "ambient missing temperature", handler: func(e *env) gin.HandlerFunc { return e.device.AmbientData }, body: gin.H{"humidity": 40}, field: "temperature"},
		{name: "ambient humidity out of range", handler: func(e *env) gin.HandlerFunc { return e.device.AmbientData }, body: gin.H{"temperature": 20, "humidity": 140}, field: "humidity"},
		{name: "capture missing ambient", handler: func(e *env) gin.HandlerFunc { return e.device.CaptureData }, body: gin.H{"canopyTemperature": 20}, field: "ambientTemperature"},
		{name: "log bad level", handler: func(e *env) gin.HandlerFunc { return e.device.Log }, body: gin.H{"level": "fatal", "message": "x"}, field: "level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(tc.handler(e), tc.body, withIdentity(id))
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp struct {
				Fields map[string]string `json:"fields"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Contains(t, resp.Fields, tc.field)
		})
	}
	require.Empty(t, e.sink.all())
}

func TestIngestSinkFailure(t *testing.T) {
	e := newEnv(t)
	e.sink.err = errors.New("broker unavailable")

	w := call(e.device.Log, gin.H{"level": "info", "message": "boot"}, withIdentity(&domain.DeviceIdentityContext{DeviceID: 9}))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRevokeTokenHandler(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")
	pair, err := e.activations.Activate(context.Background(), device.ID, "ABC123", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	id := &domain.DeviceIdentityContext{DeviceID: device.ID}

	w := call(e.device.RevokeToken, gin.H{"token": pair.RefreshToken}, withIdentity(id))
	require.Equal(t, http.StatusNoContent, w.Code)
	w = call(e.device.RevokeToken, gin.H{"token": pair.RefreshToken}, withIdentity(id))
	require.Equal(t, http.StatusNoContent, w.Code, "revocation is idempotent")

	w = call(e.device.RevokeToken, gin.H{"token": pair.RefreshToken}, withIdentity(&domain.DeviceIdentityContext{DeviceID: device.ID + 1}))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = call(e.device.RevokeToken, gin.H{}, withIdentity(id))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminProvisionAndReissue(t *testing.T) {
	e := newEnv(t)

	w := call(e.admin.ProvisionDevice, gin.H{"name": "orchard-12", "plantId": 8, "dataCollectionTime": 45}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Device struct {
			ID                 int64  `json:"id"`
			Status             string `json:"status"`
			DataCollectionTime int    `json:"dataCollectionTime"`
		} `json:"device"`
		ActivationCode string `json:"activationCode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, "PENDING_ACTIVATION", created.Device.Status)
	require.Equal(t, 45, created.Device.DataCollectionTime)
	require.Len(t, created.ActivationCode, 8)

	params := func(c *gin.Context) {
		c.Params = gin.Params{{Key: "id", Value: jsonNumber(created.Device.ID)}}
	}
	w = call(e.admin.ReissueActivationCode, nil, params)
	require.Equal(t, http.StatusCreated, w.Code)

	w = call(e.admin.GetDevice, nil, params)
	require.Equal(t, http.StatusOK, w.Code)

	w = call(e.admin.DeactivateDevice, nil, params)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = call(e.admin.GetDevice, nil, func(c *gin.Context) { c.Params = gin.Params{{Key: "id", Value: "404"}} })
	require.Equal(t, http.StatusNotFound, w.Code)

	w = call(e.admin.GetDevice, nil, func(c *gin.Context) { c.Params = gin.Params{{Key: "id", Value: "abc"}} })
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(e.admin.ProvisionDevice, gin.H{}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminReissueRefusedForActiveDevice(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")
	_, err := e.activations.Activate(context.Background(), device.ID, "ABC123", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	w := call(e.admin.ReissueActivationCode, gin.H{"activationCode": "NEWCODE1"}, func(c *gin.Context) {
		c.Params = gin.Params{{Key: "id", Value: jsonNumber(device.ID)}}
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminRevokeToken(t *testing.T) {
	e := newEnv(t)
	device := e.provision(t, "ABC123")
	pair, err := e.activations.Activate(context.Background(), device.ID, "ABC123", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	w := call(e.admin.RevokeToken, gin.H{"token": pair.AccessToken}, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err = e.tokens.ValidateAccessToken(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)

	w = call(e.admin.RevokeToken, gin.H{"token": "c29tZS1vdGhlci10b2tlbi12YWx1ZQ"}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type recordingSink struct {
	mu       sync.Mutex
	readings []ingest.Reading
	err      error
}

func (s *recordingSink) Publish(_ context.Context, r ingest.Reading) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *recordingSink) all() []ingest.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingest.Reading(nil), s.readings...)
}
