package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tripmesh/pkg"
	"tripmesh/src/logger"
)

// Constants for session state management
const (
	// ActiveTTL applies while a round is executing (1 hour)
	ActiveTTL = time.Hour
	// CompletedTTL applies after a round finalizes (2 hours)
	CompletedTTL = 2 * time.Hour

	keyPrefix = "state:"
)

// RedisStorage keeps session state in Redis under state:<session_id>.
// Every operation is best effort: failures are logged and reported as
// false or nil, never as errors.
type RedisStorage struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisStorage creates a storage on an already connected client
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
		log:    logger.Component("storage"),
	}
}

func (r *RedisStorage) key(sessionID string) string {
	return keyPrefix + sessionID
}

// SetState overwrites the state of sessionID with the given TTL
func (r *RedisStorage) SetState(ctx context.Context, sessionID string, state *pkg.SessionState, ttl time.Duration) bool {
	data, err := sonic.Marshal(state)
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to marshal session state")
		return false
	}
	if err := r.client.Set(ctx, r.key(sessionID), data, ttl).Err(); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to set session state")
		return false
	}
	return true
}

// GetState returns the stored state, or nil when absent or unreadable
func (r *RedisStorage) GetState(ctx context.Context, sessionID string) *pkg.SessionState {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to get session state")
		}
		return nil
	}

	var state pkg.SessionState
	if err := sonic.Unmarshal(data, &state); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to unmarshal session state")
		return nil
	}
	return &state
}

// DeleteState removes the state of sessionID; false when there was none
func (r *RedisStorage) DeleteState(ctx context.Context, sessionID string) bool {
	n, err := r.client.Del(ctx, r.key(sessionID)).Result()
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete session state")
		return false
	}
	return n > 0
}

// ExtendTTL resets the expiry of sessionID; false when the key does not exist
func (r *RedisStorage) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) bool {
	ok, err := r.client.Expire(ctx, r.key(sessionID), ttl).Result()
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to extend TTL")
		return false
	}
	return ok
}

// TTL returns the remaining lifetime of sessionID, or 0 when it has none
func (r *RedisStorage) TTL(ctx context.Context, sessionID string) time.Duration {
	ttl, err := r.client.TTL(ctx, r.key(sessionID)).Result()
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to get TTL")
		return 0
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Ping tests the Redis connection
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
