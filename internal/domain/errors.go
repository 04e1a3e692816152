package domain

import "errors"

// Activation failures. Callers outside the service only ever see ErrActivationInvalid.
var (
	ErrActivationInvalid       = errors.New("activation invalid")
	ErrConcurrentStateConflict = errors.New("concurrent state conflict")
)

// Access token validation failures.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTokenExpired  = errors.New("token expired")
)

// Refresh failures.
var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
)

// ErrPayloadInvalid marks malformed request bodies.
var ErrPayloadInvalid = errors.New("payload invalid")

// Store-level outcomes.
var (
	ErrNotFound = errors.New("record not found")
	ErrMACInUse = errors.New("mac address bound to another device")
)

// ErrDeviceAlreadyActive is returned when an activation code is reissued for
// a device that already completed activation.
var ErrDeviceAlreadyActive = errors.New("device already active")
