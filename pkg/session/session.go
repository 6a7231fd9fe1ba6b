package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/fleetctrl/fleetauth/pkg/audit"
	"github.com/fleetctrl/fleetauth/pkg/dpop"
	"github.com/fleetctrl/fleetauth/pkg/enrollment"
	"github.com/fleetctrl/fleetauth/pkg/refresh"
	"github.com/fleetctrl/fleetauth/pkg/replay"
	"github.com/fleetctrl/fleetauth/pkg/token"
)

// subjectPrefix namespaces device subjects in access tokens.
const subjectPrefix = "device:"

var (
	// ErrKeyBindingMismatch indicates the access token's cnf.jkt does
	// not match the thumbprint of the key that signed the DPoP proof.
	ErrKeyBindingMismatch = errors.New("access token not bound to proof key")

	// ErrTokenHashMismatch indicates the proof's ath claim does not
	// match the presented access token.
	ErrTokenHashMismatch = errors.New("proof ath does not match access token")

	// ErrUnknownDevice indicates no enrolled device matches the proof key.
	ErrUnknownDevice = errors.New("no enrolled device for proof key")
)

// TokenPair is the issued credential pair returned to devices.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Identity is the authenticated caller of a protected request.
type Identity struct {
	DeviceID   string
	Subject    string
	Thumbprint string
}

// Session is the result of a successful enroll, refresh, or recover.
type Session struct {
	Device *enrollment.Device
	Pair   TokenPair
}

// ProofInput carries the DPoP proof of a request together with the
// method and URL the proof must be bound to, plus caller metadata for
// the audit trail.
type ProofInput struct {
	Proof  string
	Method string
	URL    string

	ClientIP  string
	RequestID string
}

// EnrollRequest is the input to the enrollment flow.
type EnrollRequest struct {
	EnrollmentToken string
	Name            string
	FingerprintHash string
	ProofInput
}

// Service orchestrates the device flows. It is stateless per request
// and safe for unbounded concurrent use; all serialization happens in
// the stores.
type Service struct {
	verifier *dpop.Verifier
	replays  replay.Store
	tokens   *token.Issuer
	refresh  *refresh.Manager
	ledger   *enrollment.Ledger
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewService wires the components into a Service. A nil recorder
// disables audit events; a nil logger uses slog.Default().
func NewService(
	verifier *dpop.Verifier,
	replays replay.Store,
	tokens *token.Issuer,
	refreshMgr *refresh.Manager,
	ledger *enrollment.Ledger,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *Service {
	if recorder == nil {
		recorder = audit.NewRecorder(logger, audit.NopEmitter{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		verifier: verifier,
		replays:  replays,
		tokens:   tokens,
		refresh:  refreshMgr,
		ledger:   ledger,
		recorder: recorder,
		logger:   logger,
	}
}

// verifyProof checks the proof signature and binding, then spends its
// jti. Replay of a valid proof is an auth failure like any other.
func (s *Service) verifyProof(ctx context.Context, in ProofInput) (*dpop.Proof, error) {
	proof, err := s.verifier.Verify(in.Proof, in.Method, in.URL)
	if err != nil {
		return nil, err
	}
	if err := s.replays.CheckAndRecord(ctx, proof.JTI); err != nil {
		return nil, err
	}
	return proof, nil
}

// Enroll bootstraps a device. The enrollment credential is consumed
// only after the proof has verified, and the device and token records
// are created only after the credential is spent, so a failed
// enrollment leaves no partial state.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*Session, error) {
	proof, err := s.verifyProof(ctx, req.ProofInput)
	if err != nil {
		s.recorder.Record(audit.NewEnrollFailure(req.ClientIP, FailureCode(err), req.RequestID))
		return nil, err
	}

	if _, err := s.ledger.Consume(ctx, req.EnrollmentToken); err != nil {
		s.recorder.Record(audit.NewEnrollFailure(req.ClientIP, FailureCode(err), req.RequestID))
		return nil, err
	}

	device, err := s.ledger.ResolveDevice(ctx, req.FingerprintHash, req.Name, proof.Thumbprint)
	if err != nil {
		return nil, err
	}

	pair, err := s.issuePair(ctx, device.ID, proof.Thumbprint)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(audit.NewEnrollComplete(device.ID, req.ClientIP, req.RequestID))
	s.logger.Info("device enrolled", "device_id", device.ID, "name", device.Name)
	return &Session{Device: device, Pair: *pair}, nil
}

// Refresh rotates a refresh token. The new pair is bound to the key
// that signed this request's proof, which may differ from the key the
// token was issued to; that is how clients rotate keys.
func (s *Service) Refresh(ctx context.Context, refreshToken string, in ProofInput) (*TokenPair, error) {
	proof, err := s.verifyProof(ctx, in)
	if err != nil {
		s.recorder.Record(audit.NewAuthFailure("", in.ClientIP, FailureCode(err), in.Method, in.URL, in.RequestID))
		return nil, err
	}

	newRaw, rec, err := s.refresh.Rotate(ctx, refreshToken, proof.Thumbprint)
	if err != nil {
		if errors.Is(err, refresh.ErrReused) {
			s.recorder.Record(audit.NewRefreshReuse(deviceOf(rec), in.ClientIP, in.RequestID))
			s.logger.Warn("refresh token reuse detected", "device_id", deviceOf(rec), "ip", in.ClientIP)
		}
		return nil, err
	}

	// The device identity must track the key the new pair is bound to,
	// or recovery and downstream readers see the pre-rotation key.
	if err := s.ledger.RebindKey(ctx, rec.DeviceID, proof.Thumbprint); err != nil {
		return nil, err
	}

	access, err := s.tokens.Issue(subjectPrefix+rec.DeviceID, proof.Thumbprint)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(audit.NewRefreshRotate(rec.DeviceID, in.ClientIP, in.RequestID))
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRaw,
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
	}, nil
}

// Recover re-establishes a session for a device that lost its refresh
// token but still holds its enrolled key. The proof alone identifies
// the device; all outstanding tokens are revoked before reissue.
func (s *Service) Recover(ctx context.Context, in ProofInput) (*Session, error) {
	proof, err := s.verifyProof(ctx, in)
	if err != nil {
		s.recorder.Record(audit.NewAuthFailure("", in.ClientIP, FailureCode(err), in.Method, in.URL, in.RequestID))
		return nil, err
	}

	device, err := s.ledger.DeviceByThumbprint(ctx, proof.Thumbprint)
	if errors.Is(err, enrollment.ErrDeviceNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.issuePair(ctx, device.ID, proof.Thumbprint)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(audit.NewDeviceRecover(device.ID, in.ClientIP, in.RequestID))
	s.logger.Info("session recovered", "device_id", device.ID)
	return &Session{Device: device, Pair: *pair}, nil
}

// Authenticate validates a protected call: proof, replay, access token,
// and the binding between them. When the proof carries an ath claim it
// must match the presented token.
func (s *Service) Authenticate(ctx context.Context, accessToken string, in ProofInput) (*Identity, error) {
	proof, err := s.verifyProof(ctx, in)
	if err != nil {
		return nil, err
	}

	claims, err := s.tokens.Verify(accessToken)
	if err != nil {
		return nil, err
	}

	if claims.Thumbprint != proof.Thumbprint {
		return nil, ErrKeyBindingMismatch
	}
	if proof.AccessTokenHash != "" && proof.AccessTokenHash != dpop.HashAccessToken(accessToken) {
		return nil, ErrTokenHashMismatch
	}

	deviceID := strings.TrimPrefix(claims.Subject, subjectPrefix)

	// lastSeenAt is advisory; a storage hiccup must not fail an
	// otherwise valid request.
	if err := s.ledger.Touch(ctx, deviceID); err != nil {
		s.logger.Warn("failed to update device last seen", "device_id", deviceID, "error", err)
	}

	return &Identity{
		DeviceID:   deviceID,
		Subject:    claims.Subject,
		Thumbprint: claims.Thumbprint,
	}, nil
}

// RecordAuthSuccess emits the audit event for an accepted protected
// call. The HTTP layer calls it so the latency covers the full request.
func (s *Service) RecordAuthSuccess(id *Identity, in ProofInput, latencyMS int64) {
	s.recorder.Record(audit.NewAuthSuccess(id.DeviceID, in.ClientIP, in.Method, in.URL, in.RequestID, latencyMS))
}

// RevokeDevice revokes all outstanding refresh tokens for a device.
func (s *Service) RevokeDevice(ctx context.Context, deviceID, clientIP, requestID string) (int64, error) {
	n, err := s.refresh.Revoke(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	s.recorder.Record(audit.NewDeviceRevoke(deviceID, clientIP, requestID, n))
	return n, nil
}

// IsEnrolled reports whether a device fingerprint is known to the ledger.
func (s *Service) IsEnrolled(ctx context.Context, fingerprintHash string) (bool, error) {
	return s.ledger.IsEnrolled(ctx, fingerprintHash)
}

func (s *Service) issuePair(ctx context.Context, deviceID, thumbprint string) (*TokenPair, error) {
	rawRefresh, _, err := s.refresh.Issue(ctx, deviceID, thumbprint)
	if err != nil {
		return nil, err
	}
	access, err := s.tokens.Issue(subjectPrefix+deviceID, thumbprint)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
	}, nil
}

// FailureCode extracts a stable machine code from component errors for
// audit records, server-side logs, and debug-mode responses.
func FailureCode(err error) string {
	if code := dpop.ErrorCode(err); code != "" {
		return code
	}
	if code := enrollment.ErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, replay.ErrReplayed):
		return "dpop.replayed_proof"
	case errors.Is(err, refresh.ErrReused):
		return "refresh.reused"
	case errors.Is(err, refresh.ErrRevoked):
		return "refresh.revoked"
	case errors.Is(err, refresh.ErrExpired):
		return "refresh.expired"
	case errors.Is(err, refresh.ErrNotFound):
		return "refresh.not_found"
	case errors.Is(err, token.ErrTokenExpired):
		return "token.expired"
	case errors.Is(err, token.ErrTokenInvalidSignature):
		return "token.invalid_signature"
	case errors.Is(err, token.ErrTokenClaimMismatch):
		return "token.claim_mismatch"
	case errors.Is(err, ErrKeyBindingMismatch):
		return "auth.key_binding_mismatch"
	case errors.Is(err, ErrTokenHashMismatch):
		return "auth.token_hash_mismatch"
	case errors.Is(err, ErrUnknownDevice):
		return "auth.unknown_device"
	default:
		return "internal"
	}
}

func deviceOf(rec *refresh.Token) string {
	if rec == nil {
		return ""
	}
	return rec.DeviceID
}
