package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/clock"
	"github.com/cropwatch/device-auth/internal/config"
	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/identity"
	"github.com/cropwatch/device-auth/internal/repository"
	"github.com/cropwatch/device-auth/internal/token"
)

// TokenService issues, validates, rotates and revokes device token pairs.
type TokenService struct {
	tokens   repository.TokenRepository
	devices  repository.DeviceRepository
	resolver *identity.Resolver
	codec    *token.Codec
	clock    clock.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewTokenService wires the token lifecycle manager.
func NewTokenService(
	tokens repository.TokenRepository,
	devices repository.DeviceRepository,
	resolver *identity.Resolver,
	codec *token.Codec,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *TokenService {
	return &TokenService{
		tokens:   tokens,
		devices:  devices,
		resolver: resolver,
		codec:    codec,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// IssueTokenPair mints a fresh pair for deviceID and revokes whatever pair
// was active before.
func (s *TokenService) IssueTokenPair(ctx context.Context, deviceID int64) (domain.TokenPair, error) {
	ctx, span := startSpan(ctx, "TokenService.IssueTokenPair")
	defer span.End()
	span.SetAttributes(attribute.Int64("device.id", deviceID))

	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("get device: %w", err)
	}

	row, pair, err := s.mint(deviceID, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, err
	}
	if _, err := s.tokens.IssueToken(ctx, row); err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("issue token: %w", err)
	}

	pair.DataCollectionMinutes = device.DataCollectionMinutes
	audit(s.log(), "token.issued", "device_id", deviceID)
	return pair, nil
}

// ValidateAccessToken resolves the identity behind a raw access token.
func (s *TokenService) ValidateAccessToken(ctx context.Context, raw string) (*domain.DeviceIdentityContext, error) {
	ctx, span := startSpan(ctx, "TokenService.ValidateAccessToken")
	defer span.End()

	value, err := s.codec.Parse(raw)
	if err != nil {
		return nil, domain.ErrTokenNotFound
	}

	row, err := s.tokens.GetByAccessDigest(ctx, token.Digest(value))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrTokenNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("lookup access token: %w", err)
	}
	span.SetAttributes(attribute.Int64("device.id", row.DeviceID))

	now := s.clock.Now()
	switch {
	case row.Status == domain.TokenRevoked:
		s.log().Debug("revoked access token presented", zap.Int64("device_id", row.DeviceID), zap.Int64("token_id", row.ID))
		return nil, domain.ErrTokenRevoked
	case row.AccessExpired(now):
		s.log().Debug("expired access token presented", zap.Int64("device_id", row.DeviceID), zap.Time("expired_at", row.AccessExpiresAt))
		return nil, domain.ErrTokenExpired
	}

	return s.resolver.Resolve(ctx, row, now)
}

// RefreshTokenPair consumes a refresh token and returns a rotated pair. The
// presented refresh token is single-use.
func (s *TokenService) RefreshTokenPair(ctx context.Context, raw string) (domain.TokenPair, error) {
	ctx, span := startSpan(ctx, "TokenService.RefreshTokenPair")
	defer span.End()

	value, err := s.codec.Parse(raw)
	if err != nil {
		return domain.TokenPair{}, domain.ErrRefreshTokenNotFound
	}

	prev, err := s.tokens.GetByRefreshDigest(ctx, token.Digest(value))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TokenPair{}, domain.ErrRefreshTokenNotFound
		}
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	span.SetAttributes(attribute.Int64("device.id", prev.DeviceID))

	now := s.clock.Now()
	if prev.Status == domain.TokenRevoked {
		s.log().Warn("revoked refresh token presented", zap.Int64("device_id", prev.DeviceID), zap.Int64("token_id", prev.ID))
		return domain.TokenPair{}, domain.ErrRefreshTokenRevoked
	}
	if prev.RefreshExpired(now) {
		return domain.TokenPair{}, domain.ErrRefreshTokenExpired
	}

	device, err := s.devices.GetDevice(ctx, prev.DeviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TokenPair{}, domain.ErrRefreshTokenRevoked
		}
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("get device: %w", err)
	}
	if device.Status != domain.DeviceStatusActive {
		s.log().Warn("refresh attempted for inactive device", zap.Int64("device_id", device.ID), zap.String("status", string(device.Status)))
		return domain.TokenPair{}, domain.ErrRefreshTokenRevoked
	}

	row, pair, err := s.mint(prev.DeviceID, now)
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, err
	}
	if _, err := s.tokens.RotateToken(ctx, prev.ID, row); err != nil {
		if errors.Is(err, domain.ErrConcurrentStateConflict) {
			s.log().Info("refresh lost rotation race", zap.Int64("device_id", prev.DeviceID), zap.Int64("token_id", prev.ID))
			return domain.TokenPair{}, domain.ErrRefreshTokenRevoked
		}
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("rotate token: %w", err)
	}

	pair.DataCollectionMinutes = device.DataCollectionMinutes
	audit(s.log(), "token.rotated", "device_id", prev.DeviceID, "previous_token_id", prev.ID)
	return pair, nil
}

// RevokeToken revokes the row matching an access or refresh token. Revoking
// an already revoked row succeeds.
func (s *TokenService) RevokeToken(ctx context.Context, raw, ip string) error {
	return s.revoke(ctx, raw, ip, 0)
}

// RevokeDeviceToken is RevokeToken restricted to rows owned by deviceID.
func (s *TokenService) RevokeDeviceToken(ctx context.Context, deviceID int64, raw, ip string) error {
	return s.revoke(ctx, raw, ip, deviceID)
}

func (s *TokenService) revoke(ctx context.Context, raw, ip string, owner int64) error {
	ctx, span := startSpan(ctx, "TokenService.RevokeToken")
	defer span.End()

	value, err := s.codec.Parse(raw)
	if err != nil {
		return domain.ErrTokenNotFound
	}
	digest := token.Digest(value)

	row, err := s.tokens.GetByAccessDigest(ctx, digest)
	if errors.Is(err, domain.ErrNotFound) {
		row, err = s.tokens.GetByRefreshDigest(ctx, digest)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTokenNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("lookup token: %w", err)
	}
	if owner != 0 && row.DeviceID != owner {
		s.log().Warn("device attempted to revoke foreign token", zap.Int64("device_id", owner), zap.Int64("owner_id", row.DeviceID))
		return domain.ErrTokenNotFound
	}

	if err := s.tokens.RevokeToken(ctx, row.ID, domain.Revocation{At: s.clock.Now(), IP: ip}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke token: %w", err)
	}
	audit(s.log(), "token.revoked", "device_id", row.DeviceID, "token_id", row.ID, "ip", ip)
	return nil
}

// mint generates raw values and the row that stores their digests.
func (s *TokenService) mint(deviceID int64, now time.Time) (domain.DeviceToken, domain.TokenPair, error) {
	now = storedTime(now)
	access, refresh, err := s.codec.Pair()
	if err != nil {
		return domain.DeviceToken{}, domain.TokenPair{}, fmt.Errorf("generate token pair: %w", err)
	}
	row := domain.DeviceToken{
		DeviceID:           deviceID,
		AccessTokenDigest:  token.Digest(access),
		RefreshTokenDigest: token.Digest(refresh),
		AccessExpiresAt:    now.Add(s.cfg.AccessTokenTTL),
		RefreshExpiresAt:   now.Add(s.cfg.RefreshTokenTTL),
		Status:             domain.TokenActive,
		CreatedAt:          now,
	}
	return row, domain.TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiration: row.AccessExpiresAt,
	}, nil
}

// storedTime truncates t to the microsecond precision of TIMESTAMPTZ so the
// expiry returned to a device equals the one persisted.
func storedTime(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

func (s *TokenService) log() *zap.Logger {
	if s == nil {
		return zap.L()
	}
	return orGlobal(s.logger)
}
