// Package token generates and parses the opaque bearer tokens handed to devices.
//
// Tokens carry no claims. A token is only meaningful through a credential
// store lookup, which keeps revocation immediate. The store never sees raw
// values: it indexes SHA-256 digests produced by Digest.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MinBytes is the smallest accepted entropy (128 bits).
const MinBytes = 16

// maxEncodedLen bounds what Parse will accept before touching the store.
const maxEncodedLen = 256

// ErrMalformed is returned by Parse for values that cannot be a token.
var ErrMalformed = errors.New("malformed token")

// Codec generates opaque tokens of a fixed size.
type Codec struct {
	size int
}

// NewCodec returns a codec producing size random bytes per token.
// Sizes below MinBytes are raised to MinBytes.
func NewCodec(size int) *Codec {
	if size < MinBytes {
		size = MinBytes
	}
	return &Codec{size: size}
}

// Generate returns a new random token, base64 raw-URL encoded.
func (c *Codec) Generate() (string, error) {
	buf := make([]byte, c.size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Pair generates an access and a refresh token.
func (c *Codec) Pair() (access, refresh string, err error) {
	access, err = c.Generate()
	if err != nil {
		return "", "", fmt.Errorf("generate access token: %w", err)
	}
	refresh, err = c.Generate()
	if err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	return access, refresh, nil
}

// Parse normalizes a presented token and rejects values that could never
// have been produced by a Codec.
func (c *Codec) Parse(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" || len(value) > maxEncodedLen {
		return "", ErrMalformed
	}
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(decoded) < MinBytes {
		return "", ErrMalformed
	}
	return value, nil
}

// Digest returns the hex SHA-256 of a token, the form persisted in the store.
func Digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
