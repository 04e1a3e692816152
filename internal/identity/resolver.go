package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/repository"
)

// Resolver builds the request-scoped device identity for a validated token.
type Resolver struct {
	devices    repository.DeviceRepository
	nearExpiry time.Duration
}

// NewResolver creates an identity resolver. nearExpiry is the window before
// access expiry in which callers are advised to refresh.
func NewResolver(devices repository.DeviceRepository, nearExpiry time.Duration) *Resolver {
	return &Resolver{devices: devices, nearExpiry: nearExpiry}
}

// Resolve loads the device behind tok and returns its identity context.
// Devices that are no longer active resolve to domain.ErrTokenRevoked.
func (r *Resolver) Resolve(ctx context.Context, tok domain.DeviceToken, now time.Time) (*domain.DeviceIdentityContext, error) {
	device, err := r.devices.GetDevice(ctx, tok.DeviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			zap.L().Warn("token references missing device", zap.Int64("device_id", tok.DeviceID), zap.Int64("token_id", tok.ID))
			return nil, domain.ErrTokenRevoked
		}
		zap.L().Error("failed to resolve device", zap.Int64("device_id", tok.DeviceID), zap.Error(err))
		return nil, fmt.Errorf("resolve device: %w", err)
	}

	if device.Status != domain.DeviceStatusActive {
		zap.L().Warn("token presented for inactive device",
			zap.Int64("device_id", device.ID),
			zap.String("status", string(device.Status)),
		)
		return nil, domain.ErrTokenRevoked
	}

	zap.L().Debug("device identity resolved", zap.Int64("device_id", device.ID))

	return &domain.DeviceIdentityContext{
		DeviceID:              device.ID,
		PlantID:               device.PlantID,
		CropID:                device.CropID,
		DataCollectionMinutes: device.DataCollectionMinutes,
		RequiresTokenRefresh:  now.After(tok.AccessExpiresAt.Add(-r.nearExpiry)),
	}, nil
}
