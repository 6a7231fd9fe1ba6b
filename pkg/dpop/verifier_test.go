package dpop

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://hub.example.com/api/v1/refresh"

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	gen, err := NewGenerator(jose.EdDSA, priv)
	require.NoError(t, err)
	return gen
}

// signProof signs arbitrary claims with an Ed25519 key, embedding the
// public JWK, with control over the typ header. Used to craft proofs the
// Generator refuses to produce.
func signProof(t *testing.T, priv ed25519.PrivateKey, typ string, claims map[string]any) string {
	t.Helper()
	publicJWK := jose.JSONWebKey{Key: priv.Public(), Algorithm: string(jose.EdDSA)}
	opts := (&jose.SignerOptions{}).WithHeader("jwk", publicJWK)
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	require.NoError(t, err)
	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return proof
}

func TestVerifyValidProof(t *testing.T) {
	gen := newTestGenerator(t)
	proof, err := gen.Proof("POST", testURL)
	require.NoError(t, err)

	v := NewVerifier(DefaultVerifierConfig())
	result, err := v.Verify(proof, "POST", testURL)
	require.NoError(t, err)

	wantThumbprint, err := gen.Thumbprint()
	require.NoError(t, err)
	assert.Equal(t, wantThumbprint, result.Thumbprint)
	assert.NotEmpty(t, result.JTI)
	assert.Equal(t, "POST", result.Method)
	assert.Equal(t, testURL, result.URL)
	assert.WithinDuration(t, time.Now(), result.IssuedAt, 5*time.Second)
}

func TestVerifyES256Proof(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	gen, err := NewGenerator(jose.ES256, priv)
	require.NoError(t, err)

	proof, err := gen.Proof("GET", testURL)
	require.NoError(t, err)

	v := NewVerifier(DefaultVerifierConfig())
	result, err := v.Verify(proof, "GET", testURL)
	require.NoError(t, err)

	wantThumbprint, err := gen.Thumbprint()
	require.NoError(t, err)
	assert.Equal(t, wantThumbprint, result.Thumbprint)
}

func TestVerifyMethodCaseInsensitive(t *testing.T) {
	gen := newTestGenerator(t)
	proof, err := gen.Proof("post", testURL)
	require.NoError(t, err)

	v := NewVerifier(DefaultVerifierConfig())
	result, err := v.Verify(proof, "POST", testURL)
	require.NoError(t, err)
	assert.Equal(t, "POST", result.Method)
}

func TestVerifyURLNormalization(t *testing.T) {
	gen := newTestGenerator(t)
	// Default port and uppercase host must normalize away.
	proof, err := gen.Proof("POST", "HTTPS://HUB.EXAMPLE.COM:443/api/v1/refresh")
	require.NoError(t, err)

	v := NewVerifier(DefaultVerifierConfig())
	_, err = v.Verify(proof, "POST", testURL)
	assert.NoError(t, err)
}

func TestVerifyRejections(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	gen, err := NewGenerator(jose.EdDSA, priv)
	require.NoError(t, err)
	v := NewVerifier(DefaultVerifierConfig())

	baseClaims := func() map[string]any {
		return map[string]any{
			"jti": "jti-1",
			"htm": "POST",
			"htu": testURL,
			"iat": time.Now().Unix(),
		}
	}

	t.Run("empty proof", func(t *testing.T) {
		_, err := v.Verify("", "POST", testURL)
		assert.Equal(t, ErrCodeMissingHeader, ErrorCode(err))
	})

	t.Run("garbage proof", func(t *testing.T) {
		_, err := v.Verify("not-a-jwt", "POST", testURL)
		assert.Equal(t, ErrCodeMalformedProof, ErrorCode(err))
	})

	t.Run("wrong typ", func(t *testing.T) {
		proof := signProof(t, priv, "JWT", baseClaims())
		_, err := v.Verify(proof, "POST", testURL)
		assert.Equal(t, ErrCodeInvalidTyp, ErrorCode(err))
	})

	t.Run("typ case insensitive", func(t *testing.T) {
		proof := signProof(t, priv, "DPoP+JWT", baseClaims())
		_, err := v.Verify(proof, "POST", testURL)
		assert.NoError(t, err)
	})

	t.Run("symmetric algorithm", func(t *testing.T) {
		// Hand-rolled HS256 proof: header claims dpop+jwt but the
		// algorithm is a MAC, which must be rejected before any
		// signature work.
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"dpop+jwt","alg":"HS256","jwk":{"kty":"oct","k":"c2VjcmV0"}}`))
		body, _ := json.Marshal(baseClaims())
		payload := base64.RawURLEncoding.EncodeToString(body)
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(header + "." + payload))
		sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
		_, err := v.Verify(header+"."+payload+"."+sig, "POST", testURL)
		assert.Equal(t, ErrCodeDisallowedAlg, ErrorCode(err))
	})

	t.Run("missing jwk", func(t *testing.T) {
		// Sign without embedding the key.
		opts := (&jose.SignerOptions{}).WithType(jose.ContentType(TypeDPoP))
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
		require.NoError(t, err)
		proof, err := jwt.Signed(signer).Claims(baseClaims()).Serialize()
		require.NoError(t, err)
		_, err = v.Verify(proof, "POST", testURL)
		assert.Equal(t, ErrCodeMissingHeader, ErrorCode(err))
	})

	t.Run("tampered payload", func(t *testing.T) {
		proof, err := gen.Proof("POST", testURL)
		require.NoError(t, err)
		parts := strings.Split(proof, ".")
		forged, _ := json.Marshal(map[string]any{
			"jti": "forged", "htm": "POST", "htu": testURL, "iat": time.Now().Unix(),
		})
		parts[1] = base64.RawURLEncoding.EncodeToString(forged)
		_, err = v.Verify(strings.Join(parts, "."), "POST", testURL)
		assert.Equal(t, ErrCodeSignatureInvalid, ErrorCode(err))
	})

	t.Run("missing claims", func(t *testing.T) {
		claims := baseClaims()
		delete(claims, "htm")
		delete(claims, "jti")
		proof := signProof(t, priv, TypeDPoP, claims)
		_, err := v.Verify(proof, "POST", testURL)
		assert.Equal(t, ErrCodeMissingClaims, ErrorCode(err))
	})

	t.Run("method mismatch", func(t *testing.T) {
		proof := signProof(t, priv, TypeDPoP, baseClaims())
		_, err := v.Verify(proof, "DELETE", testURL)
		assert.Equal(t, ErrCodeMethodMismatch, ErrorCode(err))
	})

	t.Run("url mismatch", func(t *testing.T) {
		proof := signProof(t, priv, TypeDPoP, baseClaims())
		_, err := v.Verify(proof, "POST", "https://hub.example.com/api/v1/enroll")
		assert.Equal(t, ErrCodeURLMismatch, ErrorCode(err))
	})
}

// TestVerifyFreshness pins the inclusive/exclusive boundary: a proof
// aged exactly 15 minutes is accepted, one second older is rejected;
// the same at the 2-minute future skew boundary. The server clock is
// fixed mid-second because iat only carries whole seconds and the
// boundary must not depend on the sub-second remainder.
func TestVerifyFreshness(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second).Add(492 * time.Millisecond)
	v := NewVerifier(DefaultVerifierConfig(), WithClock(func() time.Time { return now }))

	proofAt := func(iat time.Time) string {
		return signProof(t, priv, TypeDPoP, map[string]any{
			"jti": "jti-fresh",
			"htm": "POST",
			"htu": testURL,
			"iat": iat.Unix(),
		})
	}

	tests := []struct {
		name     string
		iat      time.Time
		wantCode string
	}{
		{"exactly at max age", now.Add(-15 * time.Minute), ""},
		{"one second past max age", now.Add(-15*time.Minute - time.Second), ErrCodeStaleProof},
		{"far in the past", now.Add(-24 * time.Hour), ErrCodeStaleProof},
		{"exactly at clock skew", now.Add(2 * time.Minute), ""},
		{"one second past clock skew", now.Add(2*time.Minute + time.Second), ErrCodeFutureProof},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(proofAt(tt.iat), "POST", testURL)
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, ErrorCode(err))
			}
		})
	}
}

func TestVerifyAccessTokenHash(t *testing.T) {
	gen := newTestGenerator(t)
	proof, err := gen.Proof("GET", testURL, WithAccessToken("some.access.token"))
	require.NoError(t, err)

	v := NewVerifier(DefaultVerifierConfig())
	result, err := v.Verify(proof, "GET", testURL)
	require.NoError(t, err)
	assert.Equal(t, HashAccessToken("some.access.token"), result.AccessTokenHash)
}
