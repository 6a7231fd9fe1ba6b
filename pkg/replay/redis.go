package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces replay records in a shared Redis instance.
const keyPrefix = "dpop:jti:"

// RedisStore is a replay store backed by Redis. SET NX with a TTL is the
// atomic check-and-insert, and key expiry replaces the background sweep,
// so this backend needs no garbage collection of its own. Use it when
// several server instances share replay state.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedisStore creates a Redis-backed replay store. window <= 0 falls
// back to the proof freshness window.
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisStore{client: client, window: window}
}

// CheckAndRecord implements Store.
func (s *RedisStore) CheckAndRecord(ctx context.Context, jti string) error {
	if jti == "" || len(jti) > MaxJTILength {
		return ErrInvalidJTI
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+jti, 1, s.window).Result()
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

// Close releases the underlying client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
