package dpop

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	// maxProofSize is the maximum allowed size of a DPoP proof in bytes.
	// This prevents DoS attacks via oversized proofs.
	maxProofSize = 8 * 1024 // 8KB

	// DefaultMaxProofAge is the freshness window for proofs. A proof
	// whose iat is older than this is rejected regardless of signature.
	DefaultMaxProofAge = 15 * time.Minute

	// DefaultClockSkew is how far in the future a proof iat may sit to
	// tolerate client clock drift.
	DefaultClockSkew = 2 * time.Minute
)

// allowedAlgorithms is the set of signature algorithms accepted for DPoP
// proofs. Symmetric algorithms are deliberately absent: the verification
// key travels inside the proof, so a shared-secret algorithm would let
// any holder of the proof mint new ones.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// VerifierConfig contains configuration for DPoP proof verification.
type VerifierConfig struct {
	// MaxProofAge is the maximum age of a proof (iat in the past).
	// Default: 15 minutes.
	MaxProofAge time.Duration

	// ClockSkew is the maximum allowed distance of iat into the future.
	// Default: 2 minutes.
	ClockSkew time.Duration
}

// DefaultVerifierConfig returns the default verifier configuration.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxProofAge: DefaultMaxProofAge,
		ClockSkew:   DefaultClockSkew,
	}
}

// Verifier validates DPoP proofs against an expected HTTP method and URL.
type Verifier struct {
	config VerifierConfig
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the verifier's time source. Used in tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a DPoP proof verifier.
func NewVerifier(config VerifierConfig, opts ...VerifierOption) *Verifier {
	if config.MaxProofAge <= 0 {
		config.MaxProofAge = DefaultMaxProofAge
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = DefaultClockSkew
	}
	v := &Verifier{config: config, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates a raw DPoP proof against the expected HTTP method and
// canonical URL (scheme + host + path, no query) and returns the proof
// result including the embedded key's thumbprint.
//
// Validation order:
//  1. structural checks: non-empty, three non-empty parts, size cap
//  2. header decode: typ must be dpop+jwt (case-insensitive), symmetric
//     algorithms and oct keys rejected, jwk required
//  3. signature verification using the embedded public key
//  4. claim presence: htm, htu, iat, jti
//  5. htm matches method (case-insensitive), htu matches URL exactly
//     after RFC 9449 normalization of both sides
//  6. freshness: iat at most ClockSkew in the future and at most
//     MaxProofAge in the past, both boundaries inclusive
//  7. RFC 7638 thumbprint of the embedded key
//
// Replay detection on jti is the caller's responsibility; the verifier
// is stateless.
func (v *Verifier) Verify(proof, method, uri string) (*Proof, error) {
	if proof == "" {
		return nil, ErrMissingHeader("DPoP proof required")
	}
	if len(proof) > maxProofSize {
		return nil, ErrMalformedProof("proof exceeds maximum size of 8KB")
	}

	parts := strings.Split(proof, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformedProof("JWT must have exactly 3 non-empty parts")
	}

	// Decode the header only. The proof carries its own public key here;
	// the server holds no key registry for devices.
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformedProof("invalid base64url encoding in header")
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrMalformedProof("invalid JSON in header")
	}

	if !strings.EqualFold(header.Typ, TypeDPoP) {
		return nil, ErrInvalidTyp(header.Typ)
	}
	if strings.HasPrefix(strings.ToUpper(header.Alg), "HS") {
		return nil, ErrDisallowedAlgorithm(header.Alg)
	}
	if len(header.JWK) == 0 {
		return nil, ErrMissingHeader("jwk is required in header")
	}

	// Peek at kty before handing the key to jose: oct keys are symmetric
	// and must be rejected with the same code as HS* algorithms.
	var keyMembers struct {
		Kty string `json:"kty"`
	}
	if err := json.Unmarshal(header.JWK, &keyMembers); err != nil {
		return nil, ErrMalformedKey("jwk is not a JSON object")
	}
	if keyMembers.Kty == "oct" {
		return nil, ErrDisallowedAlgorithm("oct")
	}

	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(header.JWK); err != nil {
		return nil, ErrMalformedKey("jwk does not decode to a usable key")
	}
	if !key.IsPublic() {
		return nil, ErrMalformedKey("jwk must be a public key")
	}

	parsed, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		// jose rejects both malformed input and algorithms outside the
		// allow list here; the HS* case was already reported above.
		return nil, ErrMalformedProof("proof does not parse as a JWS")
	}
	payload, err := parsed.Verify(key.Key)
	if err != nil {
		return nil, ErrSignatureInvalid()
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedProof("invalid JSON in payload")
	}
	var missing []string
	if claims.HTM == "" {
		missing = append(missing, "htm")
	}
	if claims.HTU == "" {
		missing = append(missing, "htu")
	}
	if claims.IAT == 0 {
		missing = append(missing, "iat")
	}
	if claims.JTI == "" {
		missing = append(missing, "jti")
	}
	if len(missing) > 0 {
		return nil, ErrMissingClaims("required claims absent: " + strings.Join(missing, ", "))
	}

	if !strings.EqualFold(claims.HTM, method) {
		return nil, ErrMethodMismatch(claims.HTM, method)
	}

	proofURL, err := NormalizeURI(claims.HTU)
	if err != nil {
		return nil, ErrURLMismatch(claims.HTU, uri)
	}
	requestURL, err := NormalizeURI(uri)
	if err != nil {
		return nil, ErrURLMismatch(claims.HTU, uri)
	}
	if proofURL != requestURL {
		return nil, ErrURLMismatch(proofURL, requestURL)
	}

	now := v.now()
	issuedAt := time.Unix(claims.IAT, 0)
	// iat carries whole seconds, so the window checks compare in whole
	// seconds too; a sub-second remainder on the server clock must not
	// tip a proof sitting exactly on the boundary over it.
	age := now.Unix() - claims.IAT
	if -age > int64(v.config.ClockSkew.Seconds()) {
		return nil, ErrFutureProof(fmt.Sprintf("iat is %ds ahead of server time", -age))
	}
	if age > int64(v.config.MaxProofAge.Seconds()) {
		return nil, ErrStaleProof(fmt.Sprintf("iat is %ds old, window is %s", age, v.config.MaxProofAge))
	}

	thumbprint, err := Thumbprint(header.JWK)
	if err != nil {
		return nil, err
	}

	return &Proof{
		Thumbprint:      thumbprint,
		JTI:             claims.JTI,
		Method:          strings.ToUpper(claims.HTM),
		URL:             requestURL,
		IssuedAt:        issuedAt,
		AccessTokenHash: claims.ATH,
	}, nil
}
