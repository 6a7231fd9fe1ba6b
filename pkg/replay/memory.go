package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxEntries bounds the in-memory store.
	DefaultMaxEntries = 100_000

	// DefaultSweepInterval is how often expired records are purged.
	DefaultSweepInterval = 30 * time.Second
)

// entry stores when a jti was first seen, as nanoseconds since store
// creation (monotonic).
type entry struct {
	offset int64
}

// MemoryStore is an in-memory replay store using sync.Map for atomic
// check-and-insert. Suitable for single-process deployments and tests;
// multi-process deployments should use the SQLite or Redis backends.
type MemoryStore struct {
	entries    sync.Map
	entryCount atomic.Int64
	maxEntries int64
	window     time.Duration
	createdAt  time.Time

	sweepInterval time.Duration // 0 means default, -1 means disabled
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithWindow sets how long a jti stays poisoned after first sight.
func WithWindow(window time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.window = window }
}

// WithMaxEntries bounds the number of live records.
func WithMaxEntries(max int) MemoryOption {
	return func(s *MemoryStore) { s.maxEntries = int64(max) }
}

// WithSweepInterval sets the purge cadence. Pass 0 to disable the
// background sweep.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if interval <= 0 {
			s.sweepInterval = -1
		} else {
			s.sweepInterval = interval
		}
	}
}

// NewMemoryStore creates an in-memory replay store. By default records
// expire after the proof freshness window (15 minutes), the store holds
// at most 100,000 records, and a sweep runs every 30 seconds.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		window:     DefaultWindow,
		maxEntries: DefaultMaxEntries,
		createdAt:  time.Now(),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval >= 0 {
		interval := s.sweepInterval
		if interval == 0 {
			interval = DefaultSweepInterval
		}
		go s.sweepLoop(interval)
	} else {
		close(s.sweepDone)
	}
	return s
}

// CheckAndRecord implements Store. The LoadOrStore call is the atomic
// check-and-insert; two concurrent calls with the same jti produce
// exactly one winner.
func (s *MemoryStore) CheckAndRecord(_ context.Context, jti string) error {
	if jti == "" || len(jti) > MaxJTILength {
		return ErrInvalidJTI
	}

	offset := time.Since(s.createdAt).Nanoseconds()
	fresh := &entry{offset: offset}

	existing, loaded := s.entries.LoadOrStore(jti, fresh)
	if loaded {
		age := time.Duration(offset - existing.(*entry).offset)
		if age < s.window {
			return ErrReplayed
		}
		// Expired record still present; replace it atomically. A lost
		// CAS means a concurrent caller won with the same jti.
		if s.entries.CompareAndSwap(jti, existing, fresh) {
			return nil
		}
		return ErrReplayed
	}

	if count := s.entryCount.Add(1); count > s.maxEntries {
		s.entries.Delete(jti)
		s.entryCount.Add(-1)
		return ErrStoreFull
	}
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return nil
}

// Len returns the current number of records (for testing).
func (s *MemoryStore) Len() int {
	return int(s.entryCount.Load())
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Since(s.createdAt).Nanoseconds()
	windowNanos := s.window.Nanoseconds()

	s.entries.Range(func(key, value any) bool {
		if now-value.(*entry).offset >= windowNanos {
			if s.entries.CompareAndDelete(key, value) {
				s.entryCount.Add(-1)
			}
		}
		return true
	})
}

var _ Store = (*MemoryStore)(nil)
