// Package refresh implements the refresh token lifecycle: issuance,
// atomic rotation with a short reuse grace window, and chain revocation
// on detected theft.
//
// Tokens are 256 bits of cryptographically secure randomness, handed to
// the device exactly once. Only the SHA-256 hash is persisted, so a
// stolen database cannot be replayed against the API.
package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// TokenSize is the number of random bytes in a generated token (256 bits).
const TokenSize = 32

const (
	// DefaultTTL is the refresh token lifetime.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultGraceWindow is how long a rotated token tolerates one
	// duplicate presentation, covering in-flight retries of the same
	// rotation request.
	DefaultGraceWindow = 2 * time.Minute
)

// Token status values. ACTIVE is the only non-terminal state.
const (
	StatusActive  = "ACTIVE"
	StatusRotated = "ROTATED"
	StatusRevoked = "REVOKED"
	StatusExpired = "EXPIRED"
)

var (
	// ErrNotFound indicates no token matches the presented value.
	ErrNotFound = errors.New("refresh token not found")

	// ErrExpired indicates the token is past its expiry.
	ErrExpired = errors.New("refresh token expired")

	// ErrRevoked indicates the token was administratively revoked.
	ErrRevoked = errors.New("refresh token revoked")

	// ErrReused indicates the token was already rotated and this
	// presentation is outside the grace window. The device's token
	// chain is revoked when this is detected.
	ErrReused = errors.New("refresh token reused")
)

// Token is a persisted refresh token record. The raw token value is
// never stored; Hash is its SHA-256 digest.
type Token struct {
	ID         string
	DeviceID   string
	Hash       string
	Thumbprint string
	Status     string
	IssuedAt   time.Time
	ExpiresAt  time.Time

	// GraceUntil is set when the token is rotated. Until then one
	// duplicate presentation is tolerated.
	GraceUntil *time.Time

	// LastUsedAt records the grace-window duplicate use. A second
	// duplicate is treated as reuse.
	LastUsedAt *time.Time
}

// Store is the persistence port for refresh tokens. The conditional
// mutations (MarkRotated, MarkGraceUsed) must be implemented as single
// atomic operations so that concurrent callers observe exactly one
// winner.
type Store interface {
	// InsertToken persists a new token record.
	InsertToken(ctx context.Context, t *Token) error

	// GetTokenByHash returns the record for a token hash, or ErrNotFound.
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)

	// MarkRotated transitions the token from ACTIVE to ROTATED and sets
	// graceUntil, returning false if the token was not ACTIVE.
	MarkRotated(ctx context.Context, id string, graceUntil time.Time) (bool, error)

	// MarkGraceUsed stamps lastUsedAt on a ROTATED token whose
	// lastUsedAt is still unset, returning false otherwise.
	MarkGraceUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)

	// RevokeDeviceTokens marks all non-terminal tokens for the device
	// REVOKED and returns how many were affected.
	RevokeDeviceTokens(ctx context.Context, deviceID string) (int64, error)

	// ExpireTokens marks ACTIVE tokens past their expiry EXPIRED, up to
	// limit records, and returns how many were affected.
	ExpireTokens(ctx context.Context, now time.Time, limit int) (int64, error)
}

// GenerateToken generates a 32-byte (256-bit) cryptographically random
// token and returns it as a base64url-encoded string without padding.
// Only the hash from HashToken may be stored.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken computes the SHA-256 hash of a raw token, base64url-encoded
// without padding. This is the lookup key for persisted records.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
