package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/clock"
	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/http/middleware"
	"github.com/cropwatch/device-auth/internal/ingest"
	"github.com/cropwatch/device-auth/internal/service"
)

// DeviceHandler serves the endpoints called by device firmware.
type DeviceHandler struct {
	Activations *service.ActivationService
	Tokens      *service.TokenService
	Sink        ingest.Sink
	Clock       clock.Clock
}

// NewDeviceHandler creates the device handler set.
func NewDeviceHandler(activations *service.ActivationService, tokens *service.TokenService, sink ingest.Sink, clk clock.Clock) *DeviceHandler {
	return &DeviceHandler{Activations: activations, Tokens: tokens, Sink: sink, Clock: clk}
}

type tokenResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiration time.Time `json:"accessTokenExpiration"`
	DataCollectionTime    int       `json:"dataCollectionTime"`
}

func newTokenResponse(pair domain.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		AccessTokenExpiration: pair.AccessTokenExpiration.UTC(),
		DataCollectionTime:    pair.DataCollectionMinutes,
	}
}

type activateRequest struct {
	DeviceID       int64  `json:"deviceId" binding:"required,gt=0"`
	ActivationCode string `json:"activationCode" binding:"required,max=64"`
	MACAddress     string `json:"macAddress" binding:"required,max=32"`
}

// Activate binds a device to its MAC address and returns its first token pair.
func (h *DeviceHandler) Activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	pair, err := h.Activations.Activate(c.Request.Context(), req.DeviceID, req.ActivationCode, req.MACAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenResponse(pair))
}

type tokenRequest struct {
	Token string `json:"token"`
}

// RefreshToken rotates a token pair.
func (h *DeviceHandler) RefreshToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondBadRequest(c, "Refresh token is required.")
		return
	}

	pair, err := h.Tokens.RefreshTokenPair(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTokenResponse(pair))
}

// Auth confirms the presented access token is valid.
func (h *DeviceHandler) Auth(c *gin.Context) {
	id, ok := middleware.GetDeviceIdentity(c)
	if !ok {
		respondError(c, domain.ErrTokenNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataCollectionTime": id.DataCollectionMinutes})
}

// RevokeToken lets a device revoke one of its own tokens.
func (h *DeviceHandler) RevokeToken(c *gin.Context) {
	id, ok := middleware.GetDeviceIdentity(c)
	if !ok {
		respondError(c, domain.ErrTokenNotFound)
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondBadRequest(c, "Token is required.")
		return
	}

	err := h.Tokens.RevokeDeviceToken(c.Request.Context(), id.DeviceID, req.Token, c.ClientIP())
	if errors.Is(err, domain.ErrTokenNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Token not found."})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ambientRequest struct {
	Temperature *float64   `json:"temperature" binding:"required"`
	Humidity    *float64   `json:"humidity,omitempty" binding:"omitempty,gte=0,lte=100"`
	Pressure    *float64   `json:"pressure,omitempty" binding:"omitempty,gt=0"`
	LightLevel  *float64   `json:"lightLevel,omitempty" binding:"omitempty,gte=0"`
	RecordedAt  *time.Time `json:"recordedAt,omitempty"`
}

type captureRequest struct {
	CanopyTemperature  *float64   `json:"canopyTemperature" binding:"required"`
	AmbientTemperature *float64   `json:"ambientTemperature" binding:"required"`
	Humidity           *float64   `json:"humidity,omitempty" binding:"omitempty,gte=0,lte=100"`
	ImageRef           string     `json:"imageRef,omitempty" binding:"omitempty,max=512"`
	RecordedAt         *time.Time `json:"recordedAt,omitempty"`
}

type logRequest struct {
	Level      string     `json:"level" binding:"required,oneof=debug info warning error"`
	Message    string     `json:"message" binding:"required,max=4096"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
}

// AmbientData accepts an ambient sensor reading.
func (h *DeviceHandler) AmbientData(c *gin.Context) {
	h.ingest(c, ingest.KindAmbient, &ambientRequest{})
}

// CaptureData accepts a canopy capture reading.
func (h *DeviceHandler) CaptureData(c *gin.Context) {
	h.ingest(c, ingest.KindCapture, &captureRequest{})
}

// Log accepts a firmware log line.
func (h *DeviceHandler) Log(c *gin.Context) {
	h.ingest(c, ingest.KindLog, &logRequest{})
}

func (h *DeviceHandler) ingest(c *gin.Context, kind ingest.Kind, payload any) {
	id, ok := middleware.GetDeviceIdentity(c)
	if !ok {
		respondError(c, domain.ErrTokenNotFound)
		return
	}
	if err := c.ShouldBindJSON(payload); err != nil {
		respondBindError(c, err)
		return
	}

	reading := ingest.NewReading(kind, id, h.Clock.Now(), payload)
	if err := h.Sink.Publish(c.Request.Context(), reading); err != nil {
		zap.L().Error("failed to forward reading",
			zap.String("kind", string(kind)),
			zap.Int64("device_id", id.DeviceID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable", "error_description": "Reading could not be stored, retry later."})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "requiresTokenRefresh": id.RequiresTokenRefresh})
}
