package repository

import (
	"context"
	"sync"
	"time"

	"github.com/cropwatch/device-auth/internal/domain"
)

var _ CredentialStore = (*MemoryStore)(nil)

// MemoryStore is a process-local CredentialStore used in tests and for
// STORE_DRIVER=memory. A single mutex makes every method atomic.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[int64]domain.Device
	codes   map[int64]domain.ActivationCode
	tokens  map[int64]domain.DeviceToken
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[int64]domain.Device),
		codes:   make(map[int64]domain.ActivationCode),
		tokens:  make(map[int64]domain.DeviceToken),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) GetDevice(_ context.Context, deviceID int64) (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return domain.Device{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) DeactivateDevice(_ context.Context, deviceID int64, rev domain.Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = domain.DeviceStatusInactive
	d.UpdatedAt = rev.At
	m.devices[deviceID] = d
	m.revokeActive(deviceID, rev)
	return nil
}

func (m *MemoryStore) Provision(_ context.Context, device domain.Device, code domain.ActivationCode) (domain.Device, domain.ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device.ID = m.id()
	device.Status = domain.DeviceStatusPendingActivation
	device.MACAddress = nil
	device.UpdatedAt = device.CreatedAt
	m.devices[device.ID] = device

	code.ID = m.id()
	code.DeviceID = device.ID
	code.Status = domain.ActivationPending
	m.codes[code.ID] = code
	return device, code, nil
}

func (m *MemoryStore) GetPendingCode(_ context.Context, deviceID int64) (domain.ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		latest domain.ActivationCode
		found  bool
	)
	for _, c := range m.codes {
		if c.DeviceID != deviceID || c.Status != domain.ActivationPending {
			continue
		}
		if !found || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest, found = c, true
		}
	}
	if !found {
		return domain.ActivationCode{}, domain.ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) Activate(_ context.Context, a domain.Activation) (domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, ok := m.codes[a.CodeID]
	if !ok || code.DeviceID != a.DeviceID || code.Status != domain.ActivationPending {
		return domain.DeviceToken{}, domain.ErrConcurrentStateConflict
	}
	device, ok := m.devices[a.DeviceID]
	if !ok {
		return domain.DeviceToken{}, domain.ErrNotFound
	}
	for id, other := range m.devices {
		if id != a.DeviceID && other.MACAddress != nil && *other.MACAddress == a.MACAddress {
			return domain.DeviceToken{}, domain.ErrMACInUse
		}
	}

	at := a.ActivatedAt
	code.Status = domain.ActivationCompleted
	code.ActivatedAt = &at
	m.codes[code.ID] = code

	mac := a.MACAddress
	device.MACAddress = &mac
	device.Status = domain.DeviceStatusActive
	device.UpdatedAt = at
	m.devices[device.ID] = device

	return m.issue(a.Token, at), nil
}

func (m *MemoryStore) ReplaceCode(_ context.Context, code domain.ActivationCode) (domain.ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[code.DeviceID]
	if !ok {
		return domain.ActivationCode{}, domain.ErrNotFound
	}
	if device.Status == domain.DeviceStatusActive {
		return domain.ActivationCode{}, domain.ErrDeviceAlreadyActive
	}
	for id, c := range m.codes {
		if c.DeviceID == code.DeviceID && c.Status == domain.ActivationPending {
			c.Status = domain.ActivationExpired
			m.codes[id] = c
		}
	}
	code.ID = m.id()
	code.Status = domain.ActivationPending
	m.codes[code.ID] = code
	return code, nil
}

func (m *MemoryStore) ExpireCodes(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.codes {
		if c.Status == domain.ActivationPending && c.ExpiresAt.Before(now) {
			c.Status = domain.ActivationExpired
			m.codes[id] = c
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IssueToken(_ context.Context, t domain.DeviceToken) (domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[t.DeviceID]; !ok {
		return domain.DeviceToken{}, domain.ErrNotFound
	}
	return m.issue(t, t.CreatedAt), nil
}

func (m *MemoryStore) RotateToken(_ context.Context, previousID int64, t domain.DeviceToken) (domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.tokens[previousID]
	if !ok || prev.DeviceID != t.DeviceID || prev.Status != domain.TokenActive {
		return domain.DeviceToken{}, domain.ErrConcurrentStateConflict
	}
	return m.issue(t, t.CreatedAt), nil
}

func (m *MemoryStore) GetByAccessDigest(_ context.Context, digest string) (domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.AccessTokenDigest == digest {
			return t, nil
		}
	}
	return domain.DeviceToken{}, domain.ErrNotFound
}

func (m *MemoryStore) GetByRefreshDigest(_ context.Context, digest string) (domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.RefreshTokenDigest == digest {
			return t, nil
		}
	}
	return domain.DeviceToken{}, domain.ErrNotFound
}

func (m *MemoryStore) RevokeToken(_ context.Context, tokenID int64, rev domain.Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status == domain.TokenActive {
		m.tokens[tokenID] = revoked(t, rev)
	}
	return nil
}

// ActiveTokens returns the active token rows of a device.
func (m *MemoryStore) ActiveTokens(deviceID int64) []domain.DeviceToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.DeviceToken
	for _, t := range m.tokens {
		if t.DeviceID == deviceID && t.Status == domain.TokenActive {
			out = append(out, t)
		}
	}
	return out
}

// Code returns an activation code by id.
func (m *MemoryStore) Code(codeID int64) (domain.ActivationCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[codeID]
	return c, ok
}

// caller holds m.mu
func (m *MemoryStore) issue(t domain.DeviceToken, now time.Time) domain.DeviceToken {
	m.revokeActive(t.DeviceID, domain.Revocation{At: now})
	t.ID = m.id()
	t.Status = domain.TokenActive
	t.CreatedAt = now
	t.RevokedAt = nil
	t.RevokedByIP = nil
	m.tokens[t.ID] = t
	return t
}

// caller holds m.mu
func (m *MemoryStore) revokeActive(deviceID int64, rev domain.Revocation) {
	for id, t := range m.tokens {
		if t.DeviceID == deviceID && t.Status == domain.TokenActive {
			m.tokens[id] = revoked(t, rev)
		}
	}
}

func revoked(t domain.DeviceToken, rev domain.Revocation) domain.DeviceToken {
	at := rev.At
	t.Status = domain.TokenRevoked
	t.RevokedAt = &at
	if rev.IP != "" {
		ip := rev.IP
		t.RevokedByIP = &ip
	}
	return t
}
