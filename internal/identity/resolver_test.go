package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/identity"
)

func TestResolverResolve(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &mockDeviceRepo{device: domain.Device{ID: 42, PlantID: int64Ptr(3), CropID: int64Ptr(9), Status: domain.DeviceStatusActive, DataCollectionMinutes: 10}}
	resolver := identity.NewResolver(repo, 5*time.Minute)

	ctx, err := resolver.Resolve(context.Background(), domain.DeviceToken{ID: 1, DeviceID: 42, AccessExpiresAt: now.Add(30 * time.Minute)}, now)
	require.NoError(t, err)
	require.Equal(t, int64(42), ctx.DeviceID)
	require.Equal(t, int64(3), *ctx.PlantID)
	require.Equal(t, int64(9), *ctx.CropID)
	require.Equal(t, 10, ctx.DataCollectionMinutes)
	require.False(t, ctx.RequiresTokenRefresh)
}

func TestResolverFlagsNearExpiry(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &mockDeviceRepo{device: domain.Device{ID: 42, Status: domain.DeviceStatusActive}}
	resolver := identity.NewResolver(repo, 5*time.Minute)

	ctx, err := resolver.Resolve(context.Background(), domain.DeviceToken{DeviceID: 42, AccessExpiresAt: now.Add(5 * time.Minute)}, now)
	require.NoError(t, err)
	require.False(t, ctx.RequiresTokenRefresh, "exactly at the threshold boundary is not yet near expiry")

	ctx, err = resolver.Resolve(context.Background(), domain.DeviceToken{DeviceID: 42, AccessExpiresAt: now.Add(4 * time.Minute)}, now)
	require.NoError(t, err)
	require.True(t, ctx.RequiresTokenRefresh)
}

func TestResolverRejectsInactiveDevice(t *testing.T) {
	repo := &mockDeviceRepo{device: domain.Device{ID: 42, Status: domain.DeviceStatusMaintenance}}
	resolver := identity.NewResolver(repo, time.Minute)

	_, err := resolver.Resolve(context.Background(), domain.DeviceToken{DeviceID: 42}, time.Now())
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
}

type mockDeviceRepo struct {
	device domain.Device
}

func (m *mockDeviceRepo) GetDevice(ctx context.Context, deviceID int64) (domain.Device, error) {
	if deviceID != m.device.ID {
		return domain.Device{}, domain.ErrNotFound
	}
	return m.device, nil
}

func (m *mockDeviceRepo) DeactivateDevice(ctx context.Context, deviceID int64, rev domain.Revocation) error {
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
