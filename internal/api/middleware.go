package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/session"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const identityKey contextKey = iota

// IdentityFromContext extracts the authenticated identity from the
// context. Returns nil if the request did not pass the auth middleware.
func IdentityFromContext(ctx context.Context) *session.Identity {
	id, _ := ctx.Value(identityKey).(*session.Identity)
	return id
}

// ContextWithIdentity returns a new context with the given identity.
// Used by handler tests.
func ContextWithIdentity(ctx context.Context, id *session.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// RequireAuth wraps a handler with proof-bound authentication: the
// request must carry a DPoP proof matching its method and URL plus a
// bearer access token bound to the proof key.
//
// Precise failure codes are always logged server-side. The response
// carries the precise code only in debug mode; production returns a
// generic auth.failed so callers cannot probe token or key state.
func (s *Server) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// A panic below must never let the request through unauthenticated.
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in auth middleware",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal_error")
			}
		}()

		proof := r.Header.Get("DPoP")
		if proof == "" {
			s.logAuthFailure(r, "dpop.missing_header", "DPoP header absent")
			s.writeAuthError(w, http.StatusUnauthorized, "dpop.missing_header")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logAuthFailure(r, "auth.missing_token", "Authorization bearer token absent")
			s.writeAuthError(w, http.StatusUnauthorized, "auth.missing_token")
			return
		}
		accessToken := strings.TrimPrefix(authHeader, "Bearer ")

		in := session.ProofInput{
			Proof:     proof,
			Method:    r.Method,
			URL:       s.requestURI(r),
			ClientIP:  getClientIP(r),
			RequestID: r.Header.Get("X-Request-Id"),
		}
		identity, err := s.svc.Authenticate(r.Context(), accessToken, in)
		if err != nil {
			code := session.FailureCode(err)
			s.logAuthFailure(r, code, err.Error())
			s.writeAuthError(w, http.StatusUnauthorized, code)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next(w, r.WithContext(ctx))

		latency := time.Since(start).Milliseconds()
		s.svc.RecordAuthSuccess(identity, in, latency)
		s.logger.Info("auth.success",
			"subject", sanitizeForLog(identity.Subject),
			"method", r.Method,
			"path", r.URL.Path,
			"ip", in.ClientIP,
			"latency_ms", latency,
		)
	}
}

// requestURI rebuilds the URL the client signed over. Behind a proxy
// the forwarded scheme and host win over what the hub itself sees.
func (s *Server) requestURI(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + r.URL.Path
}

// writeAuthError writes an auth failure response, masking the precise
// code unless debug mode is on.
func (s *Server) writeAuthError(w http.ResponseWriter, status int, code string) {
	if !s.debug {
		code = "auth.failed"
	}
	writeError(w, status, code)
}

func (s *Server) logAuthFailure(r *http.Request, reason, detail string) {
	args := []any{
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"ip", getClientIP(r),
	}
	if detail != "" {
		args = append(args, "detail", sanitizeForLog(detail))
	}
	s.logger.Warn("auth.failure", args...)
}

// sanitizeForLog strips control characters and caps length to prevent
// log injection from caller-supplied values.
func sanitizeForLog(v string) string {
	result := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, v)
	if len(result) > 256 {
		result = result[:256] + "..."
	}
	return result
}

// getClientIP extracts the client IP from the request, preferring
// proxy-set headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		if !strings.Contains(addr, "[") {
			return addr[:idx]
		}
		if closeIdx := strings.LastIndex(addr, "]"); closeIdx != -1 && closeIdx < idx {
			return addr[:idx]
		}
	}
	return addr
}
