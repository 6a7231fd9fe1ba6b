package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager drives the token state machine:
//
//	ACTIVE -> ROTATED  (normal rotation)
//	ACTIVE -> REVOKED  (admin action or reuse detection)
//	ACTIVE -> EXPIRED  (ttl sweep)
//
// ROTATED, REVOKED, and EXPIRED are terminal.
type Manager struct {
	store Store
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithGraceWindow sets how long a rotated token tolerates one duplicate
// presentation.
func WithGraceWindow(grace time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = grace }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		ttl:   DefaultTTL,
		grace: DefaultGraceWindow,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue generates a new ACTIVE token for the device bound to the given
// key thumbprint and returns the raw token, which is never retrievable
// again. Any token still ACTIVE for the device is revoked first so that
// at most one ACTIVE token exists per device.
func (m *Manager) Issue(ctx context.Context, deviceID, thumbprint string) (string, *Token, error) {
	if _, err := m.store.RevokeDeviceTokens(ctx, deviceID); err != nil {
		return "", nil, fmt.Errorf("failed to supersede active tokens: %w", err)
	}
	return m.issue(ctx, deviceID, thumbprint)
}

// issue inserts a fresh ACTIVE record without touching existing tokens.
// Rotation uses this directly; the presented token has already been
// marked ROTATED by then.
func (m *Manager) issue(ctx context.Context, deviceID, thumbprint string) (string, *Token, error) {
	raw, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	t := &Token{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Hash:       HashToken(raw),
		Thumbprint: thumbprint,
		Status:     StatusActive,
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.store.InsertToken(ctx, t); err != nil {
		return "", nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return raw, t, nil
}

// Rotate exchanges a presented token for a new pair. The new token is
// bound to the thumbprint of the DPoP key that signed the rotation
// request, so devices can rotate their keys along with their tokens.
//
// The ACTIVE to ROTATED transition is a single conditional update; when
// two rotations race on the same token, exactly one succeeds and the
// loser gets ErrReused. A rotated token presented again within its
// grace window is honored once more, covering network level retries of
// the original request. Presentation past the grace window, or a second
// grace use, signals theft and revokes every token in the device chain.
//
// When the presented token resolves to a record but rotation fails, the
// record is returned alongside the error so callers can attribute the
// failure (in particular reuse detection) to the owning device.
func (m *Manager) Rotate(ctx context.Context, presented, thumbprint string) (string, *Token, error) {
	rec, err := m.store.GetTokenByHash(ctx, HashToken(presented))
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	if now.After(rec.ExpiresAt) {
		return "", rec, ErrExpired
	}

	switch rec.Status {
	case StatusActive:
		ok, err := m.store.MarkRotated(ctx, rec.ID, now.Add(m.grace))
		if err != nil {
			return "", rec, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
		if !ok {
			// Lost the rotation race; indistinguishable from reuse.
			return "", rec, ErrReused
		}
		return m.issue(ctx, rec.DeviceID, thumbprint)

	case StatusRotated:
		if rec.GraceUntil != nil && !now.After(*rec.GraceUntil) && rec.LastUsedAt == nil {
			ok, err := m.store.MarkGraceUsed(ctx, rec.ID, now)
			if err != nil {
				return "", rec, fmt.Errorf("failed to record grace use: %w", err)
			}
			if ok {
				return m.issue(ctx, rec.DeviceID, thumbprint)
			}
		}
		// Reuse past the grace window means the token leaked. Kill the
		// whole chain so neither holder can continue.
		if _, err := m.store.RevokeDeviceTokens(ctx, rec.DeviceID); err != nil {
			return "", rec, fmt.Errorf("failed to revoke token chain: %w", err)
		}
		return "", rec, ErrReused

	case StatusRevoked:
		return "", rec, ErrRevoked

	case StatusExpired:
		return "", rec, ErrExpired

	default:
		return "", rec, fmt.Errorf("unknown refresh token status %q", rec.Status)
	}
}

// Revoke marks all non-terminal tokens for a device REVOKED and returns
// how many were affected.
func (m *Manager) Revoke(ctx context.Context, deviceID string) (int64, error) {
	return m.store.RevokeDeviceTokens(ctx, deviceID)
}

// ExpireSweep transitions ACTIVE tokens past their expiry to EXPIRED,
// at most limit records per call so a large backlog cannot stall the
// caller. Returns how many were affected.
func (m *Manager) ExpireSweep(ctx context.Context, limit int) (int64, error) {
	return m.store.ExpireTokens(ctx, m.now(), limit)
}
