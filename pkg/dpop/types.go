package dpop

import (
	"encoding/json"
	"time"
)

// TypeDPoP is the required typ header value for DPoP proofs.
// Matching is case-insensitive per RFC 9449.
const TypeDPoP = "dpop+jwt"

// Header contains the JOSE header members of a DPoP proof that the
// verifier inspects before any signature work.
type Header struct {
	// Typ must equal "dpop+jwt" (required)
	Typ string `json:"typ"`

	// Alg is the signature algorithm. Symmetric algorithms (HS*) are
	// rejected; the verification key comes from the proof itself, so a
	// symmetric algorithm would let anyone mint valid proofs.
	Alg string `json:"alg"`

	// JWK is the device's public key in JSON Web Key form (required).
	// Kept raw so the thumbprint is computed over the exact members the
	// client sent.
	JWK json.RawMessage `json:"jwk"`
}

// Claims contains the payload claims of a DPoP proof JWT.
type Claims struct {
	// JTI is a unique proof identifier for replay detection (required)
	JTI string `json:"jti"`

	// HTM is the HTTP method of the request (required)
	HTM string `json:"htm"`

	// HTU is the HTTP URI of the request, normalized to
	// scheme + host + path (required)
	HTU string `json:"htu"`

	// IAT is the issued-at timestamp in Unix seconds (required)
	IAT int64 `json:"iat"`

	// ATH is the base64url SHA-256 hash of the access token the proof
	// accompanies. Optional; checked when present.
	ATH string `json:"ath,omitempty"`
}

// Proof is the result of successful proof verification.
type Proof struct {
	// Thumbprint is the RFC 7638 digest of the embedded public key.
	Thumbprint string

	// JTI is the proof's unique identifier, to be recorded for replay
	// detection by the caller.
	JTI string

	// Method and URL are the htm/htu values the proof was bound to.
	Method string
	URL    string

	// IssuedAt is the proof's iat claim.
	IssuedAt time.Time

	// AccessTokenHash is the ath claim, empty if absent.
	AccessTokenHash string
}
