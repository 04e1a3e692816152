package domain

import "time"

// TokenStatus is the state of an issued token pair.
type TokenStatus string

const (
	TokenActive  TokenStatus = "ACTIVE"
	TokenRevoked TokenStatus = "REVOKED"
)

// DeviceToken persists one issued access/refresh pair. Token values are
// stored as digests; the raw values only exist in the issuing response.
type DeviceToken struct {
	ID                 int64
	DeviceID           int64
	AccessTokenDigest  string
	RefreshTokenDigest string
	AccessExpiresAt    time.Time
	RefreshExpiresAt   time.Time
	Status             TokenStatus
	CreatedAt          time.Time
	RevokedAt          *time.Time
	RevokedByIP        *string
}

// AccessExpired reports now > access expiry.
func (t DeviceToken) AccessExpired(now time.Time) bool {
	return now.After(t.AccessExpiresAt)
}

// RefreshExpired reports now > refresh expiry.
func (t DeviceToken) RefreshExpired(now time.Time) bool {
	return now.After(t.RefreshExpiresAt)
}

// TokenPair is what a device receives after activation or refresh.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiration time.Time
	DataCollectionMinutes int
}

// Revocation describes who revoked a token and when.
type Revocation struct {
	At time.Time
	IP string
}
