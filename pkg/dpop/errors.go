package dpop

import (
	"errors"
	"fmt"
	"net/http"
)

// Proof error codes. Every verification failure maps to one of these so
// callers can log the precise reason; externally they all collapse to a
// generic 401 response.
const (
	ErrCodeMissingHeader      = "dpop.missing_header"   // proof absent, or jwk missing from header
	ErrCodeMalformedProof     = "dpop.malformed_proof"  // structurally invalid JWT
	ErrCodeInvalidTyp         = "dpop.invalid_typ"      // typ is not dpop+jwt
	ErrCodeDisallowedAlg      = "dpop.disallowed_alg"   // symmetric algorithm or oct key
	ErrCodeSignatureInvalid   = "dpop.invalid_signature"
	ErrCodeMissingClaims      = "dpop.missing_claims"
	ErrCodeFutureProof        = "dpop.future_proof"
	ErrCodeStaleProof         = "dpop.stale_proof"
	ErrCodeMethodMismatch     = "dpop.method_mismatch"
	ErrCodeURLMismatch        = "dpop.url_mismatch"
	ErrCodeUnsupportedKeyType = "jwk.unsupported_key_type"
	ErrCodeMalformedKey       = "jwk.malformed_key"
)

// ProofError represents a DPoP verification failure with a structured code.
type ProofError struct {
	Code    string // One of the ErrCode* constants
	Message string // Human-readable description, logged server-side only
	Status  int    // HTTP status code
}

// Error implements the error interface.
func (e *ProofError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code for this error.
func (e *ProofError) HTTPStatus() int {
	return e.Status
}

func newError(code, message string) *ProofError {
	return &ProofError{Code: code, Message: message, Status: http.StatusUnauthorized}
}

// ErrMissingHeader creates an error for an absent proof or a header
// without an embedded jwk.
func ErrMissingHeader(detail string) *ProofError {
	return newError(ErrCodeMissingHeader, detail)
}

// ErrMalformedProof creates an error for a structurally invalid proof.
func ErrMalformedProof(detail string) *ProofError {
	return newError(ErrCodeMalformedProof, detail)
}

// ErrInvalidTyp creates an error for a wrong typ header.
func ErrInvalidTyp(got string) *ProofError {
	return newError(ErrCodeInvalidTyp, fmt.Sprintf("typ must be %q, got %q", TypeDPoP, got))
}

// ErrDisallowedAlgorithm creates an error for a symmetric algorithm or key.
func ErrDisallowedAlgorithm(alg string) *ProofError {
	return newError(ErrCodeDisallowedAlg, fmt.Sprintf("algorithm %q is not permitted for DPoP proofs", alg))
}

// ErrSignatureInvalid creates an error for a failed signature check.
func ErrSignatureInvalid() *ProofError {
	return newError(ErrCodeSignatureInvalid, "proof signature verification failed")
}

// ErrMissingClaims creates an error for absent required claims.
func ErrMissingClaims(detail string) *ProofError {
	return newError(ErrCodeMissingClaims, detail)
}

// ErrFutureProof creates an error for an iat beyond the allowed clock skew.
func ErrFutureProof(offset string) *ProofError {
	return newError(ErrCodeFutureProof, "proof issued in the future: "+offset)
}

// ErrStaleProof creates an error for an iat older than the freshness window.
func ErrStaleProof(age string) *ProofError {
	return newError(ErrCodeStaleProof, "proof too old: "+age)
}

// ErrMethodMismatch creates an error for an htm that does not match the request.
func ErrMethodMismatch(got, want string) *ProofError {
	return newError(ErrCodeMethodMismatch, fmt.Sprintf("htm %q does not match request method %q", got, want))
}

// ErrURLMismatch creates an error for an htu that does not match the request.
func ErrURLMismatch(got, want string) *ProofError {
	return newError(ErrCodeURLMismatch, fmt.Sprintf("htu %q does not match request URL %q", got, want))
}

// ErrUnsupportedKeyType creates an error for a JWK kty outside RSA/EC/OKP.
func ErrUnsupportedKeyType(kty string) *ProofError {
	return newError(ErrCodeUnsupportedKeyType, fmt.Sprintf("unsupported key type %q", kty))
}

// ErrMalformedKey creates an error for a JWK missing required members.
func ErrMalformedKey(detail string) *ProofError {
	return newError(ErrCodeMalformedKey, detail)
}

// ErrorCode extracts the proof error code from an error.
// Returns empty string if the error is not a ProofError.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProofError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsProofError returns true if the error is or wraps a ProofError.
func IsProofError(err error) bool {
	var pe *ProofError
	return errors.As(err, &pe)
}
