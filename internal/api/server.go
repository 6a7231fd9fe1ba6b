// Package api implements the HTTP API of the auth hub: device
// enrollment, token refresh, session recovery, and proof-bound
// protected endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetctrl/fleetauth/internal/version"
	"github.com/fleetctrl/fleetauth/pkg/enrollment"
	"github.com/fleetctrl/fleetauth/pkg/session"
)

// EnrollmentTokenHeader carries the enrollment credential on enroll
// requests.
const EnrollmentTokenHeader = "Enrollment-Token"

// Server is the HTTP API server.
type Server struct {
	svc    *session.Service
	logger *slog.Logger
	debug  bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithDebugMode enables precise error codes in responses. Production
// mode (default) masks auth failures as generic auth.failed.
func WithDebugMode(enabled bool) ServerOption {
	return func(s *Server) { s.debug = enabled }
}

// NewServer creates an API server over the session service.
func NewServer(svc *session.Service, opts ...ServerOption) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers all API routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Device flows (authenticated by credential + proof, not by access token)
	mux.HandleFunc("POST /api/v1/enroll", s.handleEnroll)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/recover", s.handleRecover)
	mux.HandleFunc("GET /api/v1/devices/{fingerprintHash}/enrolled", s.handleEnrolledProbe)

	// Protected routes
	mux.HandleFunc("GET /api/v1/session", s.RequireAuth(s.handleSession))

	// Health routes (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
}

type enrollBody struct {
	Name            string `json:"name"`
	FingerprintHash string `json:"fingerprint_hash"`
}

type enrollResponse struct {
	DeviceID string            `json:"device_id"`
	Tokens   session.TokenPair `json:"tokens"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	enrollToken := r.Header.Get(EnrollmentTokenHeader)
	if enrollToken == "" {
		writeError(w, http.StatusUnauthorized, "enroll.missing_token")
		return
	}

	var body enrollBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if body.Name == "" || body.FingerprintHash == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	sess, err := s.svc.Enroll(r.Context(), session.EnrollRequest{
		EnrollmentToken: enrollToken,
		Name:            body.Name,
		FingerprintHash: body.FingerprintHash,
		ProofInput:      s.proofInput(r),
	})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, enrollResponse{
		DeviceID: sess.Device.ID,
		Tokens:   sess.Pair,
	})
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	pair, err := s.svc.Refresh(r.Context(), body.RefreshToken, s.proofInput(r))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens": pair})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Recover(r.Context(), s.proofInput(r))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, enrollResponse{
		DeviceID: sess.Device.ID,
		Tokens:   sess.Pair,
	})
}

func (s *Server) handleEnrolledProbe(w http.ResponseWriter, r *http.Request) {
	fingerprintHash := r.PathValue("fingerprintHash")
	enrolled, err := s.svc.IsEnrolled(r.Context(), fingerprintHash)
	if err != nil {
		s.logger.Error("enrollment probe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enrolled": enrolled})
}

// handleSession returns the authenticated caller's identity. Devices
// use it to confirm a token pair is still valid.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "auth.failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id":  id.DeviceID,
		"subject":    id.Subject,
		"thumbprint": id.Thumbprint,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.IsEnrolled(r.Context(), "readiness-probe"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) proofInput(r *http.Request) session.ProofInput {
	return session.ProofInput{
		Proof:     r.Header.Get("DPoP"),
		Method:    r.Method,
		URL:       s.requestURI(r),
		ClientIP:  getClientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

// writeFlowError maps enroll/refresh/recover failures to responses.
// Credential and proof failures share a generic 401 in production so
// error responses cannot be used to probe token state; the precise code
// is logged and returned only in debug mode.
func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	code := session.FailureCode(err)
	status := http.StatusUnauthorized

	var ce *enrollment.CredentialError
	if errors.As(err, &ce) {
		status = ce.HTTPStatus()
	}
	if code == "internal" {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	s.logAuthFailure(r, code, "")
	if !s.debug {
		code = "auth.failed"
	}
	writeError(w, status, code)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response carrying only a machine code,
// never a detailed message.
func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}
