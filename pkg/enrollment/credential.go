package enrollment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenSize is the number of bytes in a generated enrollment token (256 bits).
const TokenSize = 32

// UnlimitedUses marks a credential that never depletes.
const UnlimitedUses = -1

// Credential is a persisted enrollment credential. The raw token is
// handed to the operator once; only the hash is stored.
type Credential struct {
	ID    string
	Label string
	Hash  string

	// RemainingUses counts down to zero per enrollment, or is
	// UnlimitedUses (-1) for credentials that never deplete.
	RemainingUses int
	Disabled      bool

	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Unlimited reports whether the credential never depletes.
func (c *Credential) Unlimited() bool {
	return c.RemainingUses == UnlimitedUses
}

// Device is an enrolled device identity. Downstream consumers read
// these records but never write them.
type Device struct {
	ID              string
	Name            string
	FingerprintHash string
	Thumbprint      string
	EnrolledAt      time.Time
	LastSeenAt      time.Time
}

// GenerateToken generates a 32-byte (256-bit) cryptographically random
// enrollment token and returns it as a base64url-encoded string without
// padding. The plaintext is transmitted to the operator and discarded;
// only the hash from HashToken may be stored.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate enrollment token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken computes the SHA-256 hash of an enrollment token. Returns a
// lowercase hex string (64 characters).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateTokenHash validates a token against its stored hash using
// constant-time comparison to prevent timing attacks.
func ValidateTokenHash(token, hash string) bool {
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
