package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://hub.example.com"
	testAudience = "https://hub.example.com"
	testJKT      = "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newTestIssuer(t *testing.T, opts ...Option) *Issuer {
	t.Helper()
	iss, err := New(Config{
		Secret:   testSecret(),
		Issuer:   testIssuer,
		Audience: testAudience,
	}, opts...)
	require.NoError(t, err)
	return iss
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Log("Testing that an issued token verifies and yields its claims")

	iss := newTestIssuer(t)
	raw, err := iss.Issue("device:1234", testJKT)
	require.NoError(t, err)

	claims, err := iss.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "device:1234", claims.Subject)
	assert.Equal(t, testJKT, claims.Thumbprint)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), claims.ExpiresAt, 5*time.Second)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short secret", Config{Secret: []byte("too-short"), Issuer: testIssuer, Audience: testAudience}},
		{"empty secret", Config{Issuer: testIssuer, Audience: testAudience}},
		{"missing issuer", Config{Secret: testSecret(), Audience: testAudience}},
		{"missing audience", Config{Secret: testSecret(), Issuer: testIssuer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Log("Testing that a token past its exp is rejected with ErrTokenExpired")

	past := time.Now().Add(-time.Hour)
	iss := newTestIssuer(t, WithClock(func() time.Time { return past }))
	raw, err := iss.Issue("device:1234", testJKT)
	require.NoError(t, err)

	live := newTestIssuer(t)
	_, err = live.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWrongSecret(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue("device:1234", testJKT)
	require.NoError(t, err)

	other, err := New(Config{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)

	_, err = other.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenInvalidSignature)
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	t.Log("Testing that an unsigned token claiming alg=none is rejected")

	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "device:1234",
		"exp": time.Now().Add(time.Hour).Unix(),
		"cnf": map[string]any{"jkt": testJKT},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	iss := newTestIssuer(t)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenInvalidSignature)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	other, err := New(Config{
		Secret:   testSecret(),
		Issuer:   "https://other.example.com",
		Audience: testAudience,
	})
	require.NoError(t, err)
	raw, err := other.Issue("device:1234", testJKT)
	require.NoError(t, err)

	iss := newTestIssuer(t)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenClaimMismatch)
}

func TestVerifyAudienceMismatch(t *testing.T) {
	other, err := New(Config{
		Secret:   testSecret(),
		Issuer:   testIssuer,
		Audience: "https://other.example.com",
	})
	require.NoError(t, err)
	raw, err := other.Issue("device:1234", testJKT)
	require.NoError(t, err)

	iss := newTestIssuer(t)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenClaimMismatch)
}

func TestVerifyMissingKeyBinding(t *testing.T) {
	t.Log("Testing that a token without cnf.jkt is rejected")

	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "device:1234",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret())
	require.NoError(t, err)

	iss := newTestIssuer(t)
	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenClaimMismatch)
}

func TestVerifyGarbage(t *testing.T) {
	iss := newTestIssuer(t)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := iss.Verify(raw)
		assert.Error(t, err, "input %q", raw)
	}
}

func TestCustomTTL(t *testing.T) {
	iss, err := New(Config{
		Secret:   testSecret(),
		Issuer:   testIssuer,
		Audience: testAudience,
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	raw, err := iss.Issue("device:1234", testJKT)
	require.NoError(t, err)
	claims, err := iss.Verify(raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt, 5*time.Second)
}
