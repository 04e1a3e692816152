// Package repository is the credential store: devices, activation codes and
// device tokens. Every state transition is a conditional write ("only if the
// row is still in state X") executed inside a transaction, so concurrent
// requests from any number of processes resolve to exactly one winner.
package repository

import (
	"context"
	"embed"
	"time"

	"github.com/cropwatch/device-auth/internal/domain"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DeviceRepository reads and administers device records.
type DeviceRepository interface {
	GetDevice(ctx context.Context, deviceID int64) (domain.Device, error)
	// DeactivateDevice marks the device Inactive and revokes all its active tokens.
	DeactivateDevice(ctx context.Context, deviceID int64, rev domain.Revocation) error
}

// ActivationRepository owns the activation code state machine.
type ActivationRepository interface {
	// Provision creates a device in PendingActivation together with its first code.
	Provision(ctx context.Context, device domain.Device, code domain.ActivationCode) (domain.Device, domain.ActivationCode, error)
	// GetPendingCode returns the newest Pending code for the device or ErrNotFound.
	GetPendingCode(ctx context.Context, deviceID int64) (domain.ActivationCode, error)
	// Activate completes a Pending code, binds the MAC address, activates the
	// device and issues the given token, all or nothing. It returns
	// ErrConcurrentStateConflict when the code is no longer Pending and
	// ErrMACInUse when the MAC address belongs to another device.
	Activate(ctx context.Context, activation domain.Activation) (domain.DeviceToken, error)
	// ReplaceCode expires the device's Pending codes and stores code as the new one.
	// It returns ErrDeviceAlreadyActive for devices past activation.
	ReplaceCode(ctx context.Context, code domain.ActivationCode) (domain.ActivationCode, error)
	// ExpireCodes moves Pending codes whose expiry is before now to Expired.
	ExpireCodes(ctx context.Context, now time.Time) (int64, error)
}

// TokenRepository persists device token pairs.
type TokenRepository interface {
	// IssueToken revokes the device's active token, if any, and inserts t.
	IssueToken(ctx context.Context, t domain.DeviceToken) (domain.DeviceToken, error)
	// RotateToken revokes previousID only if it is still active and inserts t.
	// It returns ErrConcurrentStateConflict when previousID was already revoked.
	RotateToken(ctx context.Context, previousID int64, t domain.DeviceToken) (domain.DeviceToken, error)
	GetByAccessDigest(ctx context.Context, digest string) (domain.DeviceToken, error)
	GetByRefreshDigest(ctx context.Context, digest string) (domain.DeviceToken, error)
	// RevokeToken marks the token revoked. Revoking a revoked token is a no-op.
	RevokeToken(ctx context.Context, tokenID int64, rev domain.Revocation) error
}

// CredentialStore bundles the repositories one backend provides.
type CredentialStore interface {
	DeviceRepository
	ActivationRepository
	TokenRepository
	Close() error
}

func schema(name string) (string, error) {
	data, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
