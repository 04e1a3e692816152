package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/domain"
)

const (
	// DeviceScheme prefixes device bearer credentials.
	DeviceScheme = "Device"
	// AdminScheme prefixes admin API keys.
	AdminScheme = "ApiKey"

	// RefreshHeader is set on responses when the presented access token is
	// close to expiry.
	RefreshHeader = "X-Token-Refresh-Required"

	identityKey  = "deviceIdentity"
	principalKey = "principal"
)

// Principal is the kind of caller a request authenticated as.
type Principal string

const (
	PrincipalDevice Principal = "device"
	PrincipalAdmin  Principal = "admin"
)

// Outcome is the result of inspecting an Authorization header for one scheme.
type Outcome int

const (
	// NotApplicable means the header is absent or uses another scheme.
	NotApplicable Outcome = iota
	// Fail means the scheme matched but no credential followed it.
	Fail
	// Validate means a credential was extracted and must be checked.
	Validate
)

// Extract inspects header for scheme and returns the credential it carries.
func Extract(header, scheme string) (string, Outcome) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", NotApplicable
	}
	name, rest, _ := strings.Cut(header, " ")
	if !strings.EqualFold(name, scheme) {
		return "", NotApplicable
	}
	credential := strings.TrimSpace(rest)
	if credential == "" {
		return "", Fail
	}
	return credential, Validate
}

// TokenValidator validates device access tokens.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, raw string) (*domain.DeviceIdentityContext, error)
}

// Auth authenticates device and admin callers.
type Auth struct {
	Tokens    TokenValidator
	AdminKeys [][sha256.Size]byte
}

// NewAuth builds the gate. Admin keys are kept as digests so comparisons
// run in constant time regardless of key length.
func NewAuth(tokens TokenValidator, adminKeys []string) *Auth {
	a := &Auth{Tokens: tokens}
	for _, k := range adminKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.AdminKeys = append(a.AdminKeys, sha256.Sum256([]byte(k)))
		}
	}
	return a
}

// Authenticate resolves the caller from the Authorization header. A header
// matching neither scheme passes through unauthenticated so that route
// guards decide.
func (a *Auth) Authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")

	if raw, outcome := Extract(header, DeviceScheme); outcome != NotApplicable {
		a.authenticateDevice(c, raw, outcome)
		return
	}
	if key, outcome := Extract(header, AdminScheme); outcome != NotApplicable {
		a.authenticateAdmin(c, key, outcome)
		return
	}
	c.Next()
}

func (a *Auth) authenticateDevice(c *gin.Context, raw string, outcome Outcome) {
	if outcome == Fail {
		reject(c, "missing_token", nil)
		return
	}
	id, err := a.Tokens.ValidateAccessToken(c.Request.Context(), raw)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrTokenRevoked),
		errors.Is(err, domain.ErrTokenExpired):
		reject(c, "validation_failed", err)
		return
	default:
		// Store failures must not read as dead credentials to the device.
		zap.L().Error("validate access token", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
		return
	}

	if id.RequiresTokenRefresh {
		c.Header(RefreshHeader, "true")
	}
	c.Set(identityKey, id)
	c.Set(principalKey, PrincipalDevice)
	c.Next()
}

func (a *Auth) authenticateAdmin(c *gin.Context, key string, outcome Outcome) {
	if outcome == Fail || !a.adminKeyValid(key) {
		reject(c, "invalid_api_key", nil)
		return
	}
	c.Set(principalKey, PrincipalAdmin)
	c.Next()
}

func (a *Auth) adminKeyValid(key string) bool {
	sum := sha256.Sum256([]byte(key))
	valid := 0
	for i := range a.AdminKeys {
		valid |= subtle.ConstantTimeCompare(sum[:], a.AdminKeys[i][:])
	}
	return valid == 1
}

// RequireDevice only admits callers authenticated with the Device scheme.
func RequireDevice(c *gin.Context) {
	requirePrincipal(c, PrincipalDevice)
}

// RequireAdmin only admits callers authenticated with an admin API key.
func RequireAdmin(c *gin.Context) {
	requirePrincipal(c, PrincipalAdmin)
}

func requirePrincipal(c *gin.Context, want Principal) {
	got, ok := GetPrincipal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authentication required."})
		return
	}
	if got != want {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "Caller is not allowed to use this endpoint."})
		return
	}
	c.Next()
}

func reject(c *gin.Context, cause string, err error) {
	fields := []zap.Field{
		zap.String("event", "auth.rejected"),
		zap.String("cause", cause),
		zap.String("client_ip", c.ClientIP()),
		zap.String("path", c.Request.URL.Path),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	zap.L().Named("audit").Warn("auth.rejected", fields...)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid or expired token."})
}

// GetDeviceIdentity returns the identity attached by Authenticate.
func GetDeviceIdentity(c *gin.Context) (*domain.DeviceIdentityContext, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := value.(*domain.DeviceIdentityContext)
	return id, ok
}

// GetPrincipal reports which kind of caller the request authenticated as.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return "", false
	}
	p, ok := value.(Principal)
	return p, ok
}
