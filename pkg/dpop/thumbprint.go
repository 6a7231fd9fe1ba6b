package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// thumbprintMembers lists, per key type, the required JWK members that
// participate in the RFC 7638 thumbprint. Order is lexicographic, which
// is what the canonical serialization requires.
var thumbprintMembers = map[string][]string{
	"RSA": {"e", "kty", "n"},
	"EC":  {"crv", "kty", "x", "y"},
	"OKP": {"crv", "kty", "x"},
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a public key in
// JSON Web Key form, returned as base64url without padding.
//
// Only the key-type-defining required members participate; they are
// serialized with lexicographically sorted member names and no
// whitespace before hashing. The computation is deterministic and
// bit-exact across implementations, which is what keeps device binding
// stable: the same key always yields the same thumbprint.
//
// Fails with jwk.unsupported_key_type for a kty outside RSA/EC/OKP and
// jwk.malformed_key when required members are absent or not strings.
func Thumbprint(jwkJSON []byte) (string, error) {
	var members map[string]any
	if err := json.Unmarshal(jwkJSON, &members); err != nil {
		return "", ErrMalformedKey("key is not a JSON object")
	}

	kty, ok := members["kty"].(string)
	if !ok || kty == "" {
		return "", ErrMalformedKey("kty member is required")
	}

	required, ok := thumbprintMembers[kty]
	if !ok {
		return "", ErrUnsupportedKeyType(kty)
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range required {
		value, ok := members[name].(string)
		if !ok || value == "" {
			return "", ErrMalformedKey("required member " + name + " is absent")
		}
		if i > 0 {
			b.WriteByte(',')
		}
		// Member names are fixed ASCII; values are base64url or curve
		// names, so plain quoting is an exact JSON string encoding.
		b.WriteByte('"')
		b.WriteString(name)
		b.WriteString(`":"`)
		b.WriteString(value)
		b.WriteByte('"')
	}
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
