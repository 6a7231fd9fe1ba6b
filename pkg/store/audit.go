// Audit log store methods.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetctrl/fleetauth/pkg/audit"
)

// AuditSink persists audit events to the audit_log table. It implements
// audit.EventEmitter so it can be wired as a Recorder backend alongside
// the structured logger.
type AuditSink struct {
	store *Store
}

// NewAuditSink creates a database-backed audit emitter.
func (s *Store) NewAuditSink() *AuditSink {
	return &AuditSink{store: s}
}

// Emit implements audit.EventEmitter.
func (a *AuditSink) Emit(ev audit.Event) error {
	details := "{}"
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = string(data)
	}

	_, err := a.store.db.Exec(
		`INSERT INTO audit_log (event_type, severity, timestamp, actor_id, ip, request_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), int(ev.Severity), ev.Timestamp.Unix(),
		ev.ActorID, ev.IP, ev.RequestID, details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// AuditFilter specifies criteria for querying the audit log.
type AuditFilter struct {
	Type  audit.EventType
	Actor string
	Since time.Time
	Limit int
}

// AuditEntry is a persisted audit event with its row ID.
type AuditEntry struct {
	ID    int64
	Event audit.Event
}

// ListAuditEntries returns audit log entries matching the filter,
// newest first.
func (s *Store) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, event_type, severity, timestamp, actor_id, ip, request_id, details
	          FROM audit_log WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Actor != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.Actor)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.Unix())
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var eventType, details string
		var severity int
		var ts int64

		if err := rows.Scan(&e.ID, &eventType, &severity, &ts,
			&e.Event.ActorID, &e.Event.IP, &e.Event.RequestID, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Event.Type = audit.EventType(eventType)
		e.Event.Severity = audit.Severity(severity)
		e.Event.Timestamp = time.Unix(ts, 0)
		if err := json.Unmarshal([]byte(details), &e.Event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ audit.EventEmitter = (*AuditSink)(nil)
