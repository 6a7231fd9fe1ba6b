package audit

import (
	"strconv"
	"time"
)

// Severity represents syslog-style severity levels.
type Severity int

const (
	SeverityWarning Severity = 4
	SeverityNotice  Severity = 5
	SeverityInfo    Severity = 6
)

// String returns the human-readable name for a severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a security-relevant audit event.
type EventType string

const (
	EventAuthSuccess         EventType = "auth.success"
	EventAuthFailure         EventType = "auth.failure"
	EventEnrollComplete      EventType = "enroll.complete"
	EventEnrollFailure       EventType = "enroll.failure"
	EventRefreshRotate       EventType = "refresh.rotate"
	EventRefreshReuse        EventType = "refresh.reuse_detected"
	EventDeviceRevoke        EventType = "device.revoke"
	EventDeviceRecover       EventType = "device.recover"
)

// AllEventTypes returns every defined event type for iteration and validation.
func AllEventTypes() []EventType {
	return []EventType{
		EventAuthSuccess,
		EventAuthFailure,
		EventEnrollComplete,
		EventEnrollFailure,
		EventRefreshRotate,
		EventRefreshReuse,
		EventDeviceRevoke,
		EventDeviceRecover,
	}
}

// severityMap maps each event type to its severity.
var severityMap = map[EventType]Severity{
	EventAuthSuccess:    SeverityInfo,    // 6
	EventAuthFailure:    SeverityWarning, // 4
	EventEnrollComplete: SeverityNotice,  // 5
	EventEnrollFailure:  SeverityWarning, // 4
	EventRefreshRotate:  SeverityInfo,    // 6
	EventRefreshReuse:   SeverityWarning, // 4
	EventDeviceRevoke:   SeverityWarning, // 4
	EventDeviceRecover:  SeverityNotice,  // 5
}

// SeverityFor returns the severity for a given event type. Unknown
// event types return SeverityWarning (fail-secure: treat unknowns as
// concerning).
func SeverityFor(et EventType) Severity {
	if s, ok := severityMap[et]; ok {
		return s
	}
	return SeverityWarning
}

// Event represents a security-relevant audit event with structured fields.
type Event struct {
	Type      EventType
	Severity  Severity
	Timestamp time.Time
	ActorID   string            // device ID or key thumbprint depending on event
	IP        string            // Client IP address
	RequestID string            // Correlation ID for request tracing
	Details   map[string]string // Event-specific fields
}

// NewAuthSuccess creates an auth.success event for accepted DPoP proofs.
func NewAuthSuccess(actorID, ip, method, path, requestID string, latencyMS int64) Event {
	return Event{
		Type:      EventAuthSuccess,
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		ActorID:   actorID,
		IP:        ip,
		RequestID: requestID,
		Details: map[string]string{
			"method":     method,
			"path":       path,
			"latency_ms": strconv.FormatInt(latencyMS, 10),
		},
	}
}

// NewAuthFailure creates an auth.failure event for rejected authentication.
func NewAuthFailure(actorID, ip, reason, method, path, requestID string) Event {
	return Event{
		Type:      EventAuthFailure,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		ActorID:   actorID,
		IP:        ip,
		RequestID: requestID,
		Details: map[string]string{
			"reason": reason,
			"method": method,
			"path":   path,
		},
	}
}

// NewEnrollComplete creates an enroll.complete event for successful enrollments.
func NewEnrollComplete(deviceID, ip, requestID string) Event {
	return Event{
		Type:      EventEnrollComplete,
		Severity:  SeverityNotice,
		Timestamp: time.Now(),
		ActorID:   deviceID,
		IP:        ip,
		RequestID: requestID,
		Details:   map[string]string{},
	}
}

// NewEnrollFailure creates an enroll.failure event for failed enrollment attempts.
func NewEnrollFailure(ip, reason, requestID string) Event {
	return Event{
		Type:      EventEnrollFailure,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		IP:        ip,
		RequestID: requestID,
		Details: map[string]string{
			"reason": reason,
		},
	}
}

// NewRefreshRotate creates a refresh.rotate event for successful token rotations.
func NewRefreshRotate(deviceID, ip, requestID string) Event {
	return Event{
		Type:      EventRefreshRotate,
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		ActorID:   deviceID,
		IP:        ip,
		RequestID: requestID,
		Details:   map[string]string{},
	}
}

// NewRefreshReuse creates a refresh.reuse_detected event. Emitted when a
// rotated token is presented past its grace window, which revokes the
// device's token chain.
func NewRefreshReuse(deviceID, ip, requestID string) Event {
	return Event{
		Type:      EventRefreshReuse,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		ActorID:   deviceID,
		IP:        ip,
		RequestID: requestID,
		Details:   map[string]string{},
	}
}

// NewDeviceRevoke creates a device.revoke event for administrative revocations.
func NewDeviceRevoke(deviceID, ip, requestID string, revokedTokens int64) Event {
	return Event{
		Type:      EventDeviceRevoke,
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		ActorID:   deviceID,
		IP:        ip,
		RequestID: requestID,
		Details: map[string]string{
			"revoked_tokens": strconv.FormatInt(revokedTokens, 10),
		},
	}
}

// NewDeviceRecover creates a device.recover event for proof-authenticated
// session recovery.
func NewDeviceRecover(deviceID, ip, requestID string) Event {
	return Event{
		Type:      EventDeviceRecover,
		Severity:  SeverityNotice,
		Timestamp: time.Now(),
		ActorID:   deviceID,
		IP:        ip,
		RequestID: requestID,
		Details:   map[string]string{},
	}
}
