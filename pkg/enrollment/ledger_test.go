package enrollment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a mutex-guarded in-memory Store. ConsumeCredential holds
// the lock across check and write, matching the atomicity the interface
// demands.
type memStore struct {
	mu      sync.Mutex
	creds   map[string]*Credential // by ID
	devices map[string]*Device     // by fingerprint hash
}

func newMemStore() *memStore {
	return &memStore{
		creds:   make(map[string]*Credential),
		devices: make(map[string]*Device),
	}
}

func (s *memStore) addCredential(c *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.ID] = &cp
}

func (s *memStore) GetCredentialByHash(_ context.Context, hash string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.Hash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ConsumeCredential(_ context.Context, id string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok || c.Disabled {
		return false, nil
	}
	if c.ExpiresAt != nil && usedAt.After(*c.ExpiresAt) {
		return false, nil
	}
	if !c.Unlimited() {
		if c.RemainingUses <= 0 {
			return false, nil
		}
		c.RemainingUses--
	}
	u := usedAt
	c.LastUsedAt = &u
	return true, nil
}

func (s *memStore) UpsertDevice(_ context.Context, d *Device) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.devices[d.FingerprintHash]; ok {
		existing.Name = d.Name
		existing.Thumbprint = d.Thumbprint
		existing.LastSeenAt = d.LastSeenAt
		cp := *existing
		return &cp, nil
	}
	cp := *d
	s.devices[d.FingerprintHash] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) GetDeviceByFingerprint(_ context.Context, fingerprintHash string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[fingerprintHash]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) GetDeviceByThumbprint(_ context.Context, thumbprint string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Thumbprint == thumbprint {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (s *memStore) RebindDeviceKey(_ context.Context, id, thumbprint string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			d.Thumbprint = thumbprint
			d.LastSeenAt = seenAt
			return nil
		}
	}
	return ErrDeviceNotFound
}

func (s *memStore) TouchDevice(_ context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			d.LastSeenAt = seenAt
			return nil
		}
	}
	return ErrDeviceNotFound
}

func (s *memStore) remaining(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[id].RemainingUses
}

func seedCredential(t *testing.T, s *memStore, remainingUses int, expiresAt *time.Time) (string, *Credential) {
	t.Helper()
	raw, cred, err := NewCredential("test", remainingUses, expiresAt)
	require.NoError(t, err)
	s.addCredential(cred)
	return raw, cred
}

func TestConsumeValidToken(t *testing.T) {
	t.Log("Testing that a valid limited-use token is consumed and decremented")

	store := newMemStore()
	raw, cred := seedCredential(t, store, 3, nil)
	l := NewLedger(store)

	got, err := l.Consume(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	assert.Equal(t, 2, got.RemainingUses)
	assert.Equal(t, 2, store.remaining(cred.ID))
}

func TestConsumeUnknownToken(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store)

	_, err := l.Consume(context.Background(), "never-issued")
	assert.Equal(t, ErrCodeInvalidToken, ErrorCode(err))
}

func TestConsumeExpiredToken(t *testing.T) {
	store := newMemStore()
	past := time.Now().Add(-time.Hour)
	raw, _ := seedCredential(t, store, 3, &past)
	l := NewLedger(store)

	_, err := l.Consume(context.Background(), raw)
	assert.Equal(t, ErrCodeExpired, ErrorCode(err))
}

func TestConsumeDisabledToken(t *testing.T) {
	store := newMemStore()
	raw, cred := seedCredential(t, store, 3, nil)
	store.creds[cred.ID].Disabled = true
	l := NewLedger(store)

	_, err := l.Consume(context.Background(), raw)
	assert.Equal(t, ErrCodeExhausted, ErrorCode(err))
}

func TestConsumeDepletedToken(t *testing.T) {
	store := newMemStore()
	raw, _ := seedCredential(t, store, 1, nil)
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Consume(ctx, raw)
	require.NoError(t, err)
	_, err = l.Consume(ctx, raw)
	assert.Equal(t, ErrCodeExhausted, ErrorCode(err))
}

func TestConsumeUnlimitedToken(t *testing.T) {
	store := newMemStore()
	raw, cred := seedCredential(t, store, UnlimitedUses, nil)
	l := NewLedger(store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Consume(ctx, raw)
		require.NoError(t, err)
	}
	assert.Equal(t, UnlimitedUses, store.remaining(cred.ID))
}

// TestConsumeConcurrentLastUse verifies that with one use left, exactly
// one of two concurrent consumers succeeds and the credential ends at
// zero.
func TestConsumeConcurrentLastUse(t *testing.T) {
	store := newMemStore()
	raw, cred := seedCredential(t, store, 1, nil)
	l := NewLedger(store)
	ctx := context.Background()

	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.Consume(ctx, raw); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, 0, store.remaining(cred.ID))

	_, err := l.Consume(ctx, raw)
	assert.Equal(t, ErrCodeExhausted, ErrorCode(err))
}

func TestResolveDeviceCreatesAndUpdates(t *testing.T) {
	t.Log("Testing that ResolveDevice creates on first sight and updates on re-enrollment")

	store := newMemStore()
	l := NewLedger(store)
	ctx := context.Background()

	first, err := l.ResolveDevice(ctx, "fp-1", "edge-01", "jkt-a")
	require.NoError(t, err)
	assert.Equal(t, "edge-01", first.Name)

	second, err := l.ResolveDevice(ctx, "fp-1", "edge-01-renamed", "jkt-b")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "edge-01-renamed", second.Name)
	assert.Equal(t, "jkt-b", second.Thumbprint)
}

func TestRebindKeyUpdatesThumbprint(t *testing.T) {
	t.Log("Testing that RebindKey points the device at the new key thumbprint")

	store := newMemStore()
	l := NewLedger(store)
	ctx := context.Background()

	device, err := l.ResolveDevice(ctx, "fp-1", "edge-01", "jkt-old")
	require.NoError(t, err)

	require.NoError(t, l.RebindKey(ctx, device.ID, "jkt-new"))

	rebound, err := l.DeviceByThumbprint(ctx, "jkt-new")
	require.NoError(t, err)
	assert.Equal(t, device.ID, rebound.ID)

	_, err = l.DeviceByThumbprint(ctx, "jkt-old")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRebindKeyUnknownDevice(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store)

	err := l.RebindKey(context.Background(), "no-such-device", "jkt-new")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestIsEnrolled(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store)
	ctx := context.Background()

	enrolled, err := l.IsEnrolled(ctx, "fp-unknown")
	require.NoError(t, err)
	assert.False(t, enrolled)

	_, err = l.ResolveDevice(ctx, "fp-1", "edge-01", "jkt-a")
	require.NoError(t, err)

	enrolled, err = l.IsEnrolled(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, enrolled)
}
