package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/repository"
	"github.com/cropwatch/device-auth/internal/service"
)

// AdminHandler serves provisioning and revocation endpoints for operators.
type AdminHandler struct {
	Activations *service.ActivationService
	Tokens      *service.TokenService
	Devices     repository.DeviceRepository
}

// NewAdminHandler creates the admin handler set.
func NewAdminHandler(activations *service.ActivationService, tokens *service.TokenService, devices repository.DeviceRepository) *AdminHandler {
	return &AdminHandler{Activations: activations, Tokens: tokens, Devices: devices}
}

type deviceView struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	PlantID            *int64    `json:"plantId,omitempty"`
	CropID             *int64    `json:"cropId,omitempty"`
	Status             string    `json:"status"`
	MACAddress         *string   `json:"macAddress,omitempty"`
	DataCollectionTime int       `json:"dataCollectionTime"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func newDeviceView(d domain.Device) deviceView {
	return deviceView{
		ID:                 d.ID,
		Name:               d.Name,
		PlantID:            d.PlantID,
		CropID:             d.CropID,
		Status:             string(d.Status),
		MACAddress:         d.MACAddress,
		DataCollectionTime: d.DataCollectionMinutes,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

type provisionRequest struct {
	Name               string `json:"name" binding:"required,max=128"`
	PlantID            *int64 `json:"plantId,omitempty" binding:"omitempty,gt=0"`
	CropID             *int64 `json:"cropId,omitempty" binding:"omitempty,gt=0"`
	DataCollectionTime int    `json:"dataCollectionTime,omitempty" binding:"omitempty,gt=0,lte=1440"`
	ActivationCode     string `json:"activationCode,omitempty" binding:"omitempty,min=6,max=64"`
}

// ProvisionDevice creates a device awaiting activation.
func (h *AdminHandler) ProvisionDevice(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	out, err := h.Activations.Provision(c.Request.Context(), domain.NewDevice{
		Name:                  req.Name,
		PlantID:               req.PlantID,
		CropID:                req.CropID,
		DataCollectionMinutes: req.DataCollectionTime,
		ActivationCode:        req.ActivationCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device":                   newDeviceView(out.Device),
		"activationCode":           out.ActivationCode,
		"activationCodeExpiration": out.ExpiresAt.UTC(),
	})
}

// GetDevice returns one device.
func (h *AdminHandler) GetDevice(c *gin.Context) {
	deviceID, ok := pathDeviceID(c)
	if !ok {
		return
	}
	device, err := h.Devices.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDeviceView(device))
}

type reissueRequest struct {
	ActivationCode string `json:"activationCode,omitempty" binding:"omitempty,min=6,max=64"`
}

// ReissueActivationCode replaces the pending code of a device not yet active.
func (h *AdminHandler) ReissueActivationCode(c *gin.Context) {
	deviceID, ok := pathDeviceID(c)
	if !ok {
		return
	}
	var req reissueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
	}

	code, err := h.Activations.ReissueCode(c.Request.Context(), deviceID, req.ActivationCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"deviceId":                 code.DeviceID,
		"activationCode":           code.ActivationCode,
		"activationCodeExpiration": code.ExpiresAt.UTC(),
	})
}

// DeactivateDevice marks a device inactive and revokes its tokens.
func (h *AdminHandler) DeactivateDevice(c *gin.Context) {
	deviceID, ok := pathDeviceID(c)
	if !ok {
		return
	}
	if err := h.Activations.Deactivate(c.Request.Context(), deviceID, c.ClientIP()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeToken revokes any device token.
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondBadRequest(c, "Token is required.")
		return
	}

	err := h.Tokens.RevokeToken(c.Request.Context(), req.Token, c.ClientIP())
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

func pathDeviceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondBadRequest(c, "Device id must be a positive integer.")
		return 0, false
	}
	return id, true
}
