package domain

import "time"

// ActivationStatus is the state of an activation code.
// Pending is the only non-terminal state.
type ActivationStatus string

const (
	ActivationPending   ActivationStatus = "PENDING"
	ActivationCompleted ActivationStatus = "COMPLETED"
	ActivationExpired   ActivationStatus = "EXPIRED"
)

// ActivationCode binds a not-yet-active device to a physical unit.
// CodeHash is a bcrypt hash; the plaintext code is only ever returned at provisioning.
type ActivationCode struct {
	ID          int64
	DeviceID    int64
	CodeHash    string
	Status      ActivationStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ActivatedAt *time.Time
}

// Expired reports whether the code is past its expiry at now. The expiry
// instant itself is still valid.
func (a ActivationCode) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Activation is the write set applied atomically when a code is consumed.
type Activation struct {
	CodeID      int64
	DeviceID    int64
	MACAddress  string
	ActivatedAt time.Time
	Token       DeviceToken
}
