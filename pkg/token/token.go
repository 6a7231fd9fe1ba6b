// Package token mints and validates the short-lived signed access
// tokens that protected calls present alongside a DPoP proof. Each token
// carries a cnf.jkt claim binding it to the device key thumbprint it was
// issued for; without the matching private key the token is useless.
//
// Access tokens are never persisted. Revocation is achieved by their
// short lifetime plus revocation of the associated refresh token, which
// prevents reissuance.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the minimum signing secret length in bytes. Anything
// shorter is a configuration error, not a per-request condition.
const MinSecretLen = 32

// DefaultTTL is the access token lifetime.
const DefaultTTL = 15 * time.Minute

var (
	// ErrTokenExpired indicates the token's exp has passed.
	ErrTokenExpired = errors.New("access token expired")

	// ErrTokenInvalidSignature indicates the signature did not verify
	// or the token is structurally unusable.
	ErrTokenInvalidSignature = errors.New("access token signature invalid")

	// ErrTokenClaimMismatch indicates iss/aud/cnf do not match the
	// configured values.
	ErrTokenClaimMismatch = errors.New("access token claims do not match")
)

// Config holds the signing configuration for access tokens.
type Config struct {
	// Secret is the symmetric HS256 signing secret, minimum 32 bytes.
	Secret []byte

	// Issuer and Audience are stamped into every token and enforced on
	// verification. Both are the hub's external URL in practice.
	Issuer   string
	Audience string

	// TTL is the token lifetime. Defaults to 15 minutes.
	TTL time.Duration
}

// Validate reports configuration errors. These are fatal at startup.
func (c Config) Validate() error {
	if len(c.Secret) < MinSecretLen {
		return fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLen, len(c.Secret))
	}
	if c.Issuer == "" {
		return errors.New("issuer must be configured")
	}
	if c.Audience == "" {
		return errors.New("audience must be configured")
	}
	return nil
}

// Claims is the decoded payload of a verified access token.
type Claims struct {
	// Subject identifies the caller, "device:<id>" for enrolled devices.
	Subject string

	// Thumbprint is the cnf.jkt key-binding claim.
	Thumbprint string

	// IssuedAt and ExpiresAt are the token's validity bounds.
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints and verifies access tokens.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// New creates an Issuer. Returns an error if the configuration is
// invalid; callers must treat that as fatal.
func New(cfg Config, opts ...Option) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	i := &Issuer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.cfg.TTL
}

// Issue mints a signed token for the subject, bound to the given key
// thumbprint via cnf.jkt.
func (i *Issuer) Issue(subject, thumbprint string) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"iss": i.cfg.Issuer,
		"aud": i.cfg.Audience,
		"sub": subject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(i.cfg.TTL).Unix(),
		"cnf": map[string]any{"jkt": thumbprint},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer, audience, and time claims of a
// token and returns the decoded payload. The algorithm is pinned to
// HS256; a token claiming any other algorithm fails signature
// verification regardless of content.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	parsed, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return i.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer),
			errors.Is(err, jwt.ErrTokenInvalidAudience),
			errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return nil, ErrTokenClaimMismatch
		default:
			return nil, ErrTokenInvalidSignature
		}
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalidSignature
	}

	subject, _ := mapClaims["sub"].(string)
	cnf, _ := mapClaims["cnf"].(map[string]any)
	thumbprint, _ := cnf["jkt"].(string)
	if subject == "" || thumbprint == "" {
		return nil, ErrTokenClaimMismatch
	}

	claims := &Claims{Subject: subject, Thumbprint: thumbprint}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
