package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDeviceNotFound is returned by device lookups when no record
// matches.
var ErrDeviceNotFound = errors.New("device not found")

// Store is the persistence port for credentials and devices. The
// ConsumeCredential mutation must be implemented as a single atomic
// operation so a limited-use credential cannot be consumed more times
// than permitted under concurrent enrollment attempts.
type Store interface {
	// GetCredentialByHash returns the credential for a token hash, or
	// nil if absent.
	GetCredentialByHash(ctx context.Context, hash string) (*Credential, error)

	// ConsumeCredential decrements remainingUses (unless unlimited) and
	// stamps lastUsedAt, guarded on the credential still being usable.
	// Returns false if the credential was disabled, depleted, or
	// expired at the moment of the update.
	ConsumeCredential(ctx context.Context, id string, usedAt time.Time) (bool, error)

	// UpsertDevice creates the device or, if the fingerprint is already
	// known, updates its name, thumbprint, and lastSeenAt. Returns the
	// canonical record.
	UpsertDevice(ctx context.Context, d *Device) (*Device, error)

	// GetDeviceByFingerprint returns the device for a fingerprint hash,
	// or ErrDeviceNotFound.
	GetDeviceByFingerprint(ctx context.Context, fingerprintHash string) (*Device, error)

	// GetDeviceByThumbprint returns the device whose enrolled key has
	// the given thumbprint, or ErrDeviceNotFound.
	GetDeviceByThumbprint(ctx context.Context, thumbprint string) (*Device, error)

	// RebindDeviceKey updates the device's key thumbprint and lastSeenAt.
	// Returns ErrDeviceNotFound when the ID is unknown.
	RebindDeviceKey(ctx context.Context, id, thumbprint string, seenAt time.Time) error

	// TouchDevice updates the device's lastSeenAt.
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
}

// Ledger validates enrollment credentials and maintains device
// identities.
type Ledger struct {
	store Store
	now   func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume validates a presented enrollment token and spends one use.
// The decrement is a single conditional update in the store; when two
// enrollments race on a credential with one use left, exactly one
// succeeds and the other fails as exhausted.
func (l *Ledger) Consume(ctx context.Context, rawToken string) (*Credential, error) {
	cred, err := l.store.GetCredentialByHash(ctx, HashToken(rawToken))
	if err != nil {
		return nil, fmt.Errorf("failed to look up enrollment token: %w", err)
	}
	if cred == nil {
		return nil, ErrInvalidToken()
	}

	now := l.now()
	if cred.ExpiresAt != nil && now.After(*cred.ExpiresAt) {
		return nil, ErrExpired()
	}
	if cred.Disabled || (!cred.Unlimited() && cred.RemainingUses <= 0) {
		return nil, ErrExhausted()
	}

	ok, err := l.store.ConsumeCredential(ctx, cred.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume enrollment token: %w", err)
	}
	if !ok {
		// Lost a concurrent race for the last use, or state changed
		// under us. Either way the token is spent.
		return nil, ErrExhausted()
	}
	if !cred.Unlimited() {
		cred.RemainingUses--
	}
	cred.LastUsedAt = &now
	return cred, nil
}

// ResolveDevice upserts a device identity keyed by its hardware
// fingerprint hash. A known fingerprint gets its name, key thumbprint,
// and lastSeenAt refreshed; an unknown one gets a new record.
func (l *Ledger) ResolveDevice(ctx context.Context, fingerprintHash, name, thumbprint string) (*Device, error) {
	now := l.now()
	d := &Device{
		ID:              uuid.NewString(),
		Name:            name,
		FingerprintHash: fingerprintHash,
		Thumbprint:      thumbprint,
		EnrolledAt:      now,
		LastSeenAt:      now,
	}
	resolved, err := l.store.UpsertDevice(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return resolved, nil
}

// IsEnrolled reports whether a device with the given fingerprint hash
// exists in the ledger.
func (l *Ledger) IsEnrolled(ctx context.Context, fingerprintHash string) (bool, error) {
	_, err := l.store.GetDeviceByFingerprint(ctx, fingerprintHash)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Device returns the device for a fingerprint hash, or ErrDeviceNotFound.
func (l *Ledger) Device(ctx context.Context, fingerprintHash string) (*Device, error) {
	return l.store.GetDeviceByFingerprint(ctx, fingerprintHash)
}

// DeviceByThumbprint returns the device whose enrolled key has the
// given thumbprint, or ErrDeviceNotFound. Session recovery uses this to
// identify a device from its DPoP proof alone.
func (l *Ledger) DeviceByThumbprint(ctx context.Context, thumbprint string) (*Device, error) {
	return l.store.GetDeviceByThumbprint(ctx, thumbprint)
}

// RebindKey points a device identity at a new key thumbprint and
// refreshes lastSeenAt. Refresh calls this on every successful
// rotation so the device record always names the key the device
// currently holds, including across client key rotations.
func (l *Ledger) RebindKey(ctx context.Context, deviceID, thumbprint string) error {
	if err := l.store.RebindDeviceKey(ctx, deviceID, thumbprint, l.now()); err != nil {
		return fmt.Errorf("failed to rebind device key: %w", err)
	}
	return nil
}

// Touch refreshes a device's lastSeenAt.
func (l *Ledger) Touch(ctx context.Context, deviceID string) error {
	return l.store.TouchDevice(ctx, deviceID, l.now())
}

// NewCredential builds a credential record and its raw token. The raw
// token is returned once; only the hash is stored.
func NewCredential(label string, remainingUses int, expiresAt *time.Time) (string, *Credential, error) {
	raw, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}
	cred := &Credential{
		ID:            uuid.NewString(),
		Label:         label,
		Hash:          HashToken(raw),
		RemainingUses: remainingUses,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now(),
	}
	return raw, cred, nil
}
