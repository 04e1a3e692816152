package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cropwatch/device-auth/internal/clock"
	"github.com/cropwatch/device-auth/internal/config"
	"github.com/cropwatch/device-auth/internal/domain"
	"github.com/cropwatch/device-auth/internal/repository"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
	maxCodeLen   = 64
)

// ProvisionedDevice is returned once to the admin who provisioned a device.
// ActivationCode is the only copy of the plaintext code.
type ProvisionedDevice struct {
	Device         domain.Device
	ActivationCode string
	ExpiresAt      time.Time
}

// IssuedCode is a replacement activation code.
type IssuedCode struct {
	DeviceID       int64
	ActivationCode string
	ExpiresAt      time.Time
}

// ActivationOption customizes an ActivationService.
type ActivationOption func(*ActivationService)

// WithHashCost sets the bcrypt cost for activation codes.
func WithHashCost(cost int) ActivationOption {
	return func(s *ActivationService) {
		s.hashCost = cost
	}
}

// ActivationService binds devices to physical units and provisions them.
type ActivationService struct {
	activations repository.ActivationRepository
	devices     repository.DeviceRepository
	tokens      *TokenService
	clock       clock.Clock
	cfg         config.Config
	logger      *zap.Logger
	hashCost    int
	decoyHash   []byte
}

// NewActivationService wires the activation state machine.
func NewActivationService(
	activations repository.ActivationRepository,
	devices repository.DeviceRepository,
	tokens *TokenService,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...ActivationOption,
) (*ActivationService, error) {
	s := &ActivationService{
		activations: activations,
		devices:     devices,
		tokens:      tokens,
		clock:       clk,
		cfg:         cfg,
		logger:      logger,
		hashCost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("decoy-activation-code"), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash decoy code: %w", err)
	}
	s.decoyHash = decoy
	return s, nil
}

// Activate consumes the pending activation code of deviceID, binds macAddress
// and issues the first token pair. Every rejection is domain.ErrActivationInvalid.
func (s *ActivationService) Activate(ctx context.Context, deviceID int64, code, macAddress string) (domain.TokenPair, error) {
	ctx, span := startSpan(ctx, "ActivationService.Activate")
	defer span.End()
	span.SetAttributes(attribute.Int64("device.id", deviceID))

	presented := code
	mac, macErr := NormalizeMAC(macAddress)
	if presented == "" || len(presented) > maxCodeLen || macErr != nil {
		return domain.TokenPair{}, s.reject(deviceID, "malformed_request")
	}

	pending, err := s.activations.GetPendingCode(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.decoyHash, []byte(presented))
			return domain.TokenPair{}, s.reject(deviceID, "no_pending_code")
		}
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("get pending code: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(pending.CodeHash), []byte(presented)) != nil {
		return domain.TokenPair{}, s.reject(deviceID, "code_mismatch")
	}

	now := s.clock.Now()
	if pending.Expired(now) {
		return domain.TokenPair{}, s.reject(deviceID, "code_expired")
	}

	// Read before committing: once the code is Completed a retry cannot
	// recover tokens that were never delivered.
	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TokenPair{}, s.reject(deviceID, "device_missing")
		}
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("get device: %w", err)
	}

	row, pair, err := s.tokens.mint(deviceID, now)
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, err
	}
	_, err = s.activations.Activate(ctx, domain.Activation{
		CodeID:      pending.ID,
		DeviceID:    deviceID,
		MACAddress:  mac,
		ActivatedAt: storedTime(now),
		Token:       row,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConcurrentStateConflict):
		return domain.TokenPair{}, s.reject(deviceID, "concurrent_activation")
	case errors.Is(err, domain.ErrMACInUse):
		return domain.TokenPair{}, s.reject(deviceID, "mac_in_use")
	case errors.Is(err, domain.ErrNotFound):
		return domain.TokenPair{}, s.reject(deviceID, "device_missing")
	default:
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("activate device: %w", err)
	}

	pair.DataCollectionMinutes = device.DataCollectionMinutes

	audit(s.log(), "device.activated", "device_id", deviceID, "mac_address", mac, "code_id", pending.ID)
	return pair, nil
}

// Provision creates a device in pending activation together with its first
// activation code. A code is generated when in.ActivationCode is empty.
func (s *ActivationService) Provision(ctx context.Context, in domain.NewDevice) (ProvisionedDevice, error) {
	ctx, span := startSpan(ctx, "ActivationService.Provision")
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ProvisionedDevice{}, fmt.Errorf("device name is required: %w", domain.ErrPayloadInvalid)
	}
	interval := in.DataCollectionMinutes
	if interval == 0 {
		interval = s.cfg.DefaultDataCollection
	}
	if interval < 0 {
		return ProvisionedDevice{}, fmt.Errorf("data collection interval must be positive: %w", domain.ErrPayloadInvalid)
	}

	plain, hash, err := s.newCode(in.ActivationCode)
	if err != nil {
		span.RecordError(err)
		return ProvisionedDevice{}, err
	}

	now := s.clock.Now()
	device, code, err := s.activations.Provision(ctx, domain.Device{
		Name:                  name,
		PlantID:               in.PlantID,
		CropID:                in.CropID,
		DataCollectionMinutes: interval,
		CreatedAt:             now,
	}, domain.ActivationCode{
		CodeHash:  hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ActivationCodeTTL),
	})
	if err != nil {
		span.RecordError(err)
		return ProvisionedDevice{}, fmt.Errorf("provision device: %w", err)
	}

	audit(s.log(), "device.provisioned", "device_id", device.ID, "code_id", code.ID)
	return ProvisionedDevice{Device: device, ActivationCode: plain, ExpiresAt: code.ExpiresAt}, nil
}

// ReissueCode expires any pending code of a not yet active device and
// issues a new one.
func (s *ActivationService) ReissueCode(ctx context.Context, deviceID int64, requested string) (IssuedCode, error) {
	ctx, span := startSpan(ctx, "ActivationService.ReissueCode")
	defer span.End()
	span.SetAttributes(attribute.Int64("device.id", deviceID))

	plain, hash, err := s.newCode(requested)
	if err != nil {
		span.RecordError(err)
		return IssuedCode{}, err
	}

	now := s.clock.Now()
	code, err := s.activations.ReplaceCode(ctx, domain.ActivationCode{
		DeviceID:  deviceID,
		CodeHash:  hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ActivationCodeTTL),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrDeviceAlreadyActive) {
			span.RecordError(err)
		}
		return IssuedCode{}, fmt.Errorf("replace activation code: %w", err)
	}

	audit(s.log(), "activation_code.reissued", "device_id", deviceID, "code_id", code.ID)
	return IssuedCode{DeviceID: deviceID, ActivationCode: plain, ExpiresAt: code.ExpiresAt}, nil
}

// Deactivate marks a device inactive and revokes its active token.
func (s *ActivationService) Deactivate(ctx context.Context, deviceID int64, ip string) error {
	ctx, span := startSpan(ctx, "ActivationService.Deactivate")
	defer span.End()
	span.SetAttributes(attribute.Int64("device.id", deviceID))

	if err := s.devices.DeactivateDevice(ctx, deviceID, domain.Revocation{At: s.clock.Now(), IP: ip}); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	audit(s.log(), "device.deactivated", "device_id", deviceID, "ip", ip)
	return nil
}

// ExpireStaleCodes moves pending codes past their expiry to Expired.
func (s *ActivationService) ExpireStaleCodes(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "ActivationService.ExpireStaleCodes")
	defer span.End()

	n, err := s.activations.ExpireCodes(ctx, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("expire activation codes: %w", err)
	}
	if n > 0 {
		audit(s.log(), "activation_code.expired", "count", n)
	}
	return n, nil
}

func (s *ActivationService) reject(deviceID int64, cause string) error {
	s.log().Warn("activation rejected", zap.Int64("device_id", deviceID), zap.String("cause", cause))
	return domain.ErrActivationInvalid
}

func (s *ActivationService) newCode(requested string) (string, string, error) {
	plain := strings.TrimSpace(requested)
	if plain == "" {
		generated, err := generateCode()
		if err != nil {
			return "", "", err
		}
		plain = generated
	}
	if len(plain) > maxCodeLen {
		return "", "", fmt.Errorf("activation code too long: %w", domain.ErrPayloadInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.hashCost)
	if err != nil {
		return "", "", fmt.Errorf("hash activation code: %w", err)
	}
	return plain, string(hash), nil
}

func (s *ActivationService) log() *zap.Logger {
	if s == nil {
		return zap.L()
	}
	return orGlobal(s.logger)
}

func generateCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate activation code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeMAC parses a 48-bit MAC address in colon, hyphen or dot notation
// and returns it as upper-case colon separated hex.
func NormalizeMAC(value string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("parse mac address: %w", domain.ErrPayloadInvalid)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("mac address must be 48 bits: %w", domain.ErrPayloadInvalid)
	}
	return strings.ToUpper(hw.String()), nil
}
