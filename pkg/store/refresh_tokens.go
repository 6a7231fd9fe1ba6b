// Refresh token store methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/refresh"
)

// InsertToken persists a new refresh token record.
func (s *Store) InsertToken(ctx context.Context, t *refresh.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, device_id, token_hash, thumbprint, status, issued_at, expires_at, grace_until, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceID, t.Hash, t.Thumbprint, t.Status,
		t.IssuedAt.Unix(), t.ExpiresAt.Unix(),
		nullableUnix(t.GraceUntil), nullableUnix(t.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetTokenByHash retrieves a refresh token by its hash.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*refresh.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, token_hash, thumbprint, status, issued_at, expires_at, grace_until, last_used_at
		 FROM refresh_tokens WHERE token_hash = ?`,
		hash,
	)
	return scanToken(row)
}

// MarkRotated transitions a token from ACTIVE to ROTATED and sets its
// grace deadline. The status guard in the WHERE clause makes this the
// serialization point for concurrent rotations: exactly one caller sees
// RowsAffected of one.
func (s *Store) MarkRotated(ctx context.Context, id string, graceUntil time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = ?, grace_until = ?
		 WHERE id = ? AND status = ?`,
		refresh.StatusRotated, graceUntil.Unix(), id, refresh.StatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark token rotated: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rotation result: %w", err)
	}
	return n == 1, nil
}

// MarkGraceUsed stamps the grace-window duplicate use on a ROTATED
// token, guarded on lastUsedAt still being unset.
func (s *Store) MarkGraceUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET last_used_at = ?
		 WHERE id = ? AND status = ? AND last_used_at IS NULL`,
		usedAt.Unix(), id, refresh.StatusRotated,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark grace use: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check grace use result: %w", err)
	}
	return n == 1, nil
}

// RevokeDeviceTokens marks all ACTIVE tokens for a device REVOKED.
func (s *Store) RevokeDeviceTokens(ctx context.Context, deviceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = ? WHERE device_id = ? AND status = ?`,
		refresh.StatusRevoked, deviceID, refresh.StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke device tokens: %w", err)
	}
	return result.RowsAffected()
}

// ExpireTokens marks ACTIVE tokens past their expiry EXPIRED, at most
// limit per call so a sweep cannot hold the write lock for long.
func (s *Store) ExpireTokens(ctx context.Context, now time.Time, limit int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = ?
		 WHERE id IN (
		   SELECT id FROM refresh_tokens
		   WHERE status = ? AND expires_at < ?
		   LIMIT ?
		 )`,
		refresh.StatusExpired, refresh.StatusActive, now.Unix(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire tokens: %w", err)
	}
	return result.RowsAffected()
}

// ListDeviceTokens returns all refresh tokens for a device, newest first.
func (s *Store) ListDeviceTokens(ctx context.Context, deviceID string) ([]*refresh.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, token_hash, thumbprint, status, issued_at, expires_at, grace_until, last_used_at
		 FROM refresh_tokens WHERE device_id = ? ORDER BY issued_at DESC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*refresh.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func scanToken(row rowScanner) (*refresh.Token, error) {
	var t refresh.Token
	var issuedAt, expiresAt int64
	var graceUntil, lastUsedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.DeviceID, &t.Hash, &t.Thumbprint, &t.Status,
		&issuedAt, &expiresAt, &graceUntil, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refresh.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan refresh token: %w", err)
	}

	t.IssuedAt = time.Unix(issuedAt, 0)
	t.ExpiresAt = time.Unix(expiresAt, 0)
	t.GraceUntil = unixPtr(graceUntil)
	t.LastUsedAt = unixPtr(lastUsedAt)
	return &t, nil
}
