package service

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cropwatch/device-auth/internal/domain"
)

// DeviceAuthError is the client-facing form of a service failure.
type DeviceAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *DeviceAuthError) Error() string {
	if e == nil {
		return ""
	}
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

func newDeviceAuthError(code, description string, status int) *DeviceAuthError {
	return &DeviceAuthError{Code: code, Description: description, Status: status}
}

var (
	errActivationRejected = newDeviceAuthError("invalid_activation", "Activation code is invalid, expired, or already used.", http.StatusBadRequest)
	errInvalidToken       = newDeviceAuthError("invalid_token", "Invalid or expired token.", http.StatusUnauthorized)
	errDeviceNotFound     = newDeviceAuthError("not_found", "Device not found.", http.StatusNotFound)
	errDeviceActive       = newDeviceAuthError("device_active", "Device is already active.", http.StatusConflict)
	errServer             = newDeviceAuthError("server_error", "Internal server error.", http.StatusInternalServerError)
)

// PublicError maps err to the error body returned to clients. Causes that
// could reveal why a credential was rejected collapse into one generic code.
func PublicError(err error) *DeviceAuthError {
	var dae *DeviceAuthError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &dae):
		return dae
	case errors.Is(err, domain.ErrActivationInvalid),
		errors.Is(err, domain.ErrConcurrentStateConflict),
		errors.Is(err, domain.ErrMACInUse):
		return errActivationRejected
	case errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrTokenRevoked),
		errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrRefreshTokenNotFound),
		errors.Is(err, domain.ErrRefreshTokenRevoked),
		errors.Is(err, domain.ErrRefreshTokenExpired):
		return errInvalidToken
	case errors.Is(err, domain.ErrPayloadInvalid):
		return newDeviceAuthError("invalid_request", payloadDetail(err), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		return errDeviceNotFound
	case errors.Is(err, domain.ErrDeviceAlreadyActive):
		return errDeviceActive
	default:
		return errServer
	}
}

// payloadDetail strips the sentinel suffix from a wrapped payload error,
// leaving the field-level message.
func payloadDetail(err error) string {
	detail := strings.TrimSuffix(err.Error(), ": "+domain.ErrPayloadInvalid.Error())
	if detail == "" || detail == domain.ErrPayloadInvalid.Error() {
		return "Request payload is invalid."
	}
	return detail
}
