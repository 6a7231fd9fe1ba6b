// Enrollment credential store methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/enrollment"
)

// CreateCredential stores a new enrollment credential.
func (s *Store) CreateCredential(ctx context.Context, c *enrollment.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_credentials (id, label, token_hash, remaining_uses, disabled, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Label, c.Hash, c.RemainingUses, boolToInt(c.Disabled),
		nullableUnix(c.ExpiresAt), c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetCredentialByHash retrieves a credential by its token hash. Returns
// nil without error when absent, per the enrollment.Store contract.
func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*enrollment.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, token_hash, remaining_uses, disabled, expires_at, created_at, last_used_at
		 FROM enrollment_credentials WHERE token_hash = ?`,
		hash,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetCredentialByID retrieves a credential by its ID, or nil when absent.
func (s *Store) GetCredentialByID(ctx context.Context, id string) (*enrollment.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, token_hash, remaining_uses, disabled, expires_at, created_at, last_used_at
		 FROM enrollment_credentials WHERE id = ?`,
		id,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCredentials returns all credentials, newest first.
func (s *Store) ListCredentials(ctx context.Context) ([]*enrollment.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, token_hash, remaining_uses, disabled, expires_at, created_at, last_used_at
		 FROM enrollment_credentials ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*enrollment.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ConsumeCredential spends one use of a credential. The decrement, the
// usability guards, and the lastUsedAt stamp are one UPDATE; under
// concurrent enrollment attempts on the last use, RowsAffected picks
// exactly one winner.
func (s *Store) ConsumeCredential(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE enrollment_credentials
		 SET remaining_uses = CASE WHEN remaining_uses > 0 THEN remaining_uses - 1 ELSE remaining_uses END,
		     last_used_at = ?
		 WHERE id = ?
		   AND disabled = 0
		   AND (remaining_uses > 0 OR remaining_uses = -1)
		   AND (expires_at IS NULL OR expires_at >= ?)`,
		usedAt.Unix(), id, usedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check consume result: %w", err)
	}
	return n == 1, nil
}

// DisableCredential marks a credential disabled so it can no longer
// enroll devices. Returns false if the credential does not exist.
func (s *Store) DisableCredential(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE enrollment_credentials SET disabled = 1 WHERE id = ?`, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to disable credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check disable result: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*enrollment.Credential, error) {
	var c enrollment.Credential
	var disabled int
	var createdAt int64
	var expiresAt, lastUsedAt sql.NullInt64

	err := row.Scan(&c.ID, &c.Label, &c.Hash, &c.RemainingUses, &disabled,
		&expiresAt, &createdAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	c.Disabled = disabled != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	c.ExpiresAt = unixPtr(expiresAt)
	c.LastUsedAt = unixPtr(lastUsedAt)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
