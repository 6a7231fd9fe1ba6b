// Replay record store methods.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/replay"
)

// ReplayStore adapts the SQLite store to the replay.Store port. The
// conflict clause in CheckAndRecord makes the insert the atomic
// check-and-insert; use this backend when replay state must survive
// restarts but no Redis is available.
type ReplayStore struct {
	store  *Store
	window time.Duration
	now    func() time.Time
}

// NewReplayStore creates a SQLite-backed replay store. window <= 0
// falls back to the proof freshness window.
func (s *Store) NewReplayStore(window time.Duration) *ReplayStore {
	if window <= 0 {
		window = replay.DefaultWindow
	}
	return &ReplayStore{store: s, window: window, now: time.Now}
}

// CheckAndRecord implements replay.Store. A fresh jti inserts; a jti
// whose record has aged out of the window takes over that row; anything
// else affects zero rows and is a replay.
func (r *ReplayStore) CheckAndRecord(ctx context.Context, jti string) error {
	if jti == "" || len(jti) > replay.MaxJTILength {
		return replay.ErrInvalidJTI
	}

	now := r.now()
	cutoff := now.Add(-r.window)
	result, err := r.store.db.ExecContext(ctx,
		`INSERT INTO replay_records (jti, seen_at) VALUES (?, ?)
		 ON CONFLICT(jti) DO UPDATE SET seen_at = excluded.seen_at
		 WHERE replay_records.seen_at < ?`,
		jti, now.Unix(), cutoff.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check replay result: %w", err)
	}
	if n == 0 {
		return replay.ErrReplayed
	}
	return nil
}

// Close is a no-op; the underlying Store owns the connection.
func (r *ReplayStore) Close() error {
	return nil
}

// PurgeReplayRecords deletes records older than the window, at most
// limit per call. Returns how many were deleted.
func (s *Store) PurgeReplayRecords(ctx context.Context, window time.Duration, limit int) (int64, error) {
	cutoff := time.Now().Add(-window).Unix()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_records
		 WHERE jti IN (
		   SELECT jti FROM replay_records WHERE seen_at < ? LIMIT ?
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge replay records: %w", err)
	}
	return result.RowsAffected()
}

var _ replay.Store = (*ReplayStore)(nil)
