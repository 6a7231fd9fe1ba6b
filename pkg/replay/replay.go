// Package replay provides anti-replay tracking for DPoP proof
// identifiers. A jti may be accepted exactly once within the proof
// freshness window; concurrent presentations of the same jti must yield
// exactly one winner.
//
// Implementations must be safe for concurrent use and must perform the
// existence check and the insert as a single atomic operation, never a
// read-then-write pair.
package replay

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultWindow matches the DPoP proof freshness window. Records
	// older than this can never match a live proof (the verifier already
	// rejects proofs that old), so they are safe to purge.
	DefaultWindow = 15 * time.Minute

	// MaxJTILength is the maximum allowed jti length in bytes.
	MaxJTILength = 1024
)

var (
	// ErrReplayed indicates the jti has already been recorded and this
	// presentation is a replay.
	ErrReplayed = errors.New("proof jti already seen")

	// ErrInvalidJTI indicates the jti is empty or oversized.
	ErrInvalidJTI = errors.New("invalid jti")

	// ErrStoreFull indicates the store refused the record to bound its
	// memory; callers should fail closed.
	ErrStoreFull = errors.New("replay store full")
)

// Store records proof identifiers and rejects replays.
type Store interface {
	// CheckAndRecord atomically tests whether jti was already recorded
	// within the freshness window; if so it returns ErrReplayed and
	// performs no write, otherwise it records jti with the current time.
	CheckAndRecord(ctx context.Context, jti string) error

	// Close stops any background goroutines and releases resources.
	Close() error
}
