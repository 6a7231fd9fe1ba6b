package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	opts = append([]MemoryOption{WithSweepInterval(0)}, opts...)
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckAndRecordFirstUse(t *testing.T) {
	s := newTestStore(t)
	if err := s.CheckAndRecord(context.Background(), "jti-1"); err != nil {
		t.Fatalf("first CheckAndRecord failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 record, got %d", s.Len())
	}
}

func TestCheckAndRecordSequentialReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CheckAndRecord(ctx, "jti-replay"); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	if err := s.CheckAndRecord(ctx, "jti-replay"); err != ErrReplayed {
		t.Errorf("expected ErrReplayed on second use, got %v", err)
	}
}

// TestCheckAndRecordConcurrentReplay verifies that N concurrent calls
// with the same jti yield exactly one winner.
func TestCheckAndRecordConcurrentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const goroutines = 50
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := s.CheckAndRecord(ctx, "jti-race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins.Load())
	}
}

func TestCheckAndRecordExpiredEntryReusable(t *testing.T) {
	s := newTestStore(t, WithWindow(10*time.Millisecond))
	ctx := context.Background()

	if err := s.CheckAndRecord(ctx, "jti-ttl"); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.CheckAndRecord(ctx, "jti-ttl"); err != nil {
		t.Errorf("expected expired jti to be accepted again, got %v", err)
	}
}

func TestCheckAndRecordInvalidJTI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CheckAndRecord(ctx, ""); err != ErrInvalidJTI {
		t.Errorf("expected ErrInvalidJTI for empty jti, got %v", err)
	}

	huge := make([]byte, MaxJTILength+1)
	for i := range huge {
		huge[i] = 'a'
	}
	if err := s.CheckAndRecord(ctx, string(huge)); err != ErrInvalidJTI {
		t.Errorf("expected ErrInvalidJTI for oversized jti, got %v", err)
	}
}

func TestCheckAndRecordStoreFull(t *testing.T) {
	s := newTestStore(t, WithMaxEntries(2))
	ctx := context.Background()

	if err := s.CheckAndRecord(ctx, "a"); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := s.CheckAndRecord(ctx, "b"); err != nil {
		t.Fatalf("record b: %v", err)
	}
	if err := s.CheckAndRecord(ctx, "c"); err != ErrStoreFull {
		t.Errorf("expected ErrStoreFull, got %v", err)
	}
	// The rejected record must not poison the jti for later.
	if s.Len() != 2 {
		t.Errorf("expected 2 records after rejection, got %d", s.Len())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := newTestStore(t, WithWindow(5*time.Millisecond))
	ctx := context.Background()

	for _, jti := range []string{"x", "y", "z"} {
		if err := s.CheckAndRecord(ctx, jti); err != nil {
			t.Fatalf("record %s: %v", jti, err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	s.sweep()

	if s.Len() != 0 {
		t.Errorf("expected all records swept, got %d", s.Len())
	}
}
