package dpop

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Generator creates DPoP proofs for a device key pair. The public key is
// embedded in every proof header as a JWK; the server derives the
// device's key identity from its thumbprint rather than a registry.
type Generator struct {
	alg       jose.SignatureAlgorithm
	signer    crypto.Signer
	publicJWK jose.JSONWebKey
	now       func() time.Time
}

// NewGenerator creates a proof generator from an asymmetric signing key.
// alg must match the key type (jose.EdDSA for Ed25519, jose.ES256 for
// P-256, jose.RS256 for RSA, ...). Symmetric algorithms are not accepted.
func NewGenerator(alg jose.SignatureAlgorithm, key crypto.Signer) (*Generator, error) {
	if strings.HasPrefix(strings.ToUpper(string(alg)), "HS") {
		return nil, fmt.Errorf("symmetric algorithm %q cannot be used for DPoP proofs", alg)
	}
	return &Generator{
		alg:       alg,
		signer:    key,
		publicJWK: jose.JSONWebKey{Key: key.Public(), Algorithm: string(alg)},
		now:       time.Now,
	}, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the generator's public
// key, which is what the server will compute from the embedded JWK.
func (g *Generator) Thumbprint() (string, error) {
	raw, err := g.publicJWK.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal public JWK: %w", err)
	}
	return Thumbprint(raw)
}

// ProofOption customizes a generated proof.
type ProofOption func(*Claims)

// WithAccessToken adds an ath claim binding the proof to the given
// access token (base64url SHA-256 of the token string).
func WithAccessToken(accessToken string) ProofOption {
	return func(c *Claims) {
		c.ATH = HashAccessToken(accessToken)
	}
}

// Proof creates a signed DPoP proof JWT for the given HTTP method and URL.
//
// Per RFC 9449 the proof contains:
//   - Header: typ="dpop+jwt", alg, and the public key as jwk
//   - Payload: jti (unique ID), htm, htu (normalized URL), iat
func (g *Generator) Proof(method, uri string, opts ...ProofOption) (string, error) {
	normalized, err := NormalizeURI(uri)
	if err != nil {
		return "", fmt.Errorf("failed to normalize URI: %w", err)
	}

	signerOpts := (&jose.SignerOptions{}).
		WithType(TypeDPoP).
		WithHeader("jwk", g.publicJWK)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: g.alg, Key: g.signer}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := Claims{
		JTI: uuid.New().String(),
		HTM: method,
		HTU: normalized,
		IAT: g.now().Unix(),
	}
	for _, opt := range opts {
		opt(&claims)
	}

	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize proof: %w", err)
	}
	return proof, nil
}

// SignRequest generates a proof for req and sets it as the DPoP header.
// The htu is derived from the request's URL, not the Host header, to
// prevent Host header injection.
func (g *Generator) SignRequest(req *http.Request, opts ...ProofOption) error {
	proof, err := g.Proof(req.Method, req.URL.String(), opts...)
	if err != nil {
		return fmt.Errorf("failed to generate DPoP proof: %w", err)
	}
	req.Header.Set("DPoP", proof)
	return nil
}

// HashAccessToken computes the ath claim value for an access token:
// base64url SHA-256 of the token's ASCII form, without padding.
func HashAccessToken(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NormalizeURI normalizes a URI per RFC 9449 Section 4.2:
//   - Lowercase scheme and host
//   - Keep path exactly as-is
//   - Remove query string and fragment
//   - Remove default port (443 for https, 80 for http)
//
// Returns an error if the URI is empty or missing scheme/host.
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())

	port := parsed.Port()
	if port != "" {
		isDefaultPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
		if !isDefaultPort {
			host = host + ":" + port
		}
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}
