// Device identity store methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/enrollment"
)

// UpsertDevice creates the device or, when the fingerprint hash is
// already known, refreshes its name, key thumbprint, and lastSeen.
// Returns the canonical record, preserving the original ID and
// enrolledAt on re-enrollment.
func (s *Store) UpsertDevice(ctx context.Context, d *enrollment.Device) (*enrollment.Device, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, fingerprint_hash, thumbprint, enrolled_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint_hash) DO UPDATE SET
		   name = excluded.name,
		   thumbprint = excluded.thumbprint,
		   last_seen = excluded.last_seen`,
		d.ID, d.Name, d.FingerprintHash, d.Thumbprint,
		d.EnrolledAt.Unix(), d.LastSeenAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return s.GetDeviceByFingerprint(ctx, d.FingerprintHash)
}

// GetDeviceByFingerprint retrieves a device by its fingerprint hash.
func (s *Store) GetDeviceByFingerprint(ctx context.Context, fingerprintHash string) (*enrollment.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, fingerprint_hash, thumbprint, enrolled_at, last_seen
		 FROM devices WHERE fingerprint_hash = ?`,
		fingerprintHash,
	)
	return scanDevice(row)
}

// GetDeviceByThumbprint retrieves a device by its enrolled key
// thumbprint.
func (s *Store) GetDeviceByThumbprint(ctx context.Context, thumbprint string) (*enrollment.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, fingerprint_hash, thumbprint, enrolled_at, last_seen
		 FROM devices WHERE thumbprint = ?`,
		thumbprint,
	)
	return scanDevice(row)
}

// GetDeviceByID retrieves a device by its ID.
func (s *Store) GetDeviceByID(ctx context.Context, id string) (*enrollment.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, fingerprint_hash, thumbprint, enrolled_at, last_seen
		 FROM devices WHERE id = ?`,
		id,
	)
	return scanDevice(row)
}

// ListDevices returns all devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]*enrollment.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, fingerprint_hash, thumbprint, enrolled_at, last_seen
		 FROM devices ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*enrollment.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RebindDeviceKey updates a device's key thumbprint and lastSeen.
func (s *Store) RebindDeviceKey(ctx context.Context, id, thumbprint string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET thumbprint = ?, last_seen = ? WHERE id = ?`,
		thumbprint, seenAt.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to rebind device key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to rebind device key: %w", err)
	}
	if n == 0 {
		return enrollment.ErrDeviceNotFound
	}
	return nil
}

// TouchDevice updates a device's lastSeen timestamp.
func (s *Store) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`, seenAt.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func scanDevice(row rowScanner) (*enrollment.Device, error) {
	var d enrollment.Device
	var enrolledAt, lastSeen int64

	err := row.Scan(&d.ID, &d.Name, &d.FingerprintHash, &d.Thumbprint, &enrolledAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, enrollment.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	d.EnrolledAt = time.Unix(enrolledAt, 0)
	d.LastSeenAt = time.Unix(lastSeen, 0)
	return &d, nil
}
