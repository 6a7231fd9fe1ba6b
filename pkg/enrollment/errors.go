// Package enrollment manages the limited-use credentials that bootstrap
// new devices into the fleet and the device identity ledger they enroll
// into.
package enrollment

import (
	"errors"
	"fmt"
	"net/http"
)

// Enrollment error codes.
const (
	ErrCodeInvalidToken = "enroll.invalid_token" // HTTP 401 - Enrollment token not found
	ErrCodeExhausted    = "enroll.exhausted"     // HTTP 401 - Token disabled or uses depleted
	ErrCodeExpired      = "enroll.expired"       // HTTP 401 - Token TTL exceeded
)

// httpStatusMap maps error codes to their HTTP status codes. All
// credential failures share 401 so callers cannot probe token state.
var httpStatusMap = map[string]int{
	ErrCodeInvalidToken: http.StatusUnauthorized,
	ErrCodeExhausted:    http.StatusUnauthorized,
	ErrCodeExpired:      http.StatusUnauthorized,
}

// CredentialError represents an enrollment failure with a structured code.
type CredentialError struct {
	Code    string // One of the ErrCode* constants
	Message string // Human-readable error description
	Status  int    // HTTP status code
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code for this error.
func (e *CredentialError) HTTPStatus() int {
	return e.Status
}

func newError(code, message string) *CredentialError {
	return &CredentialError{
		Code:    code,
		Message: message,
		Status:  httpStatusMap[code],
	}
}

// ErrInvalidToken creates an error for an unknown enrollment token.
func ErrInvalidToken() *CredentialError {
	return newError(ErrCodeInvalidToken, "enrollment token not found")
}

// ErrExhausted creates an error for a disabled or depleted token.
func ErrExhausted() *CredentialError {
	return newError(ErrCodeExhausted, "enrollment token has no remaining uses")
}

// ErrExpired creates an error for an expired token.
func ErrExpired() *CredentialError {
	return newError(ErrCodeExpired, "enrollment token has expired")
}

// ErrorCode extracts the enrollment error code from an error. Returns
// empty string if the error is not a CredentialError.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCredentialError reports whether err is a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
