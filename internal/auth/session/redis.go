package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// defaultKeyPrefix namespaces session keys in Redis.
const defaultKeyPrefix = "certgate:session:"

// RedisStore is a Redis-backed session ledger. Expiry is delegated to Redis
// native key TTLs, so no sweep is needed. All operations pass through a
// circuit breaker so that a down Redis fails fast instead of stalling the
// request path.
type RedisStore struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	keyPrefix string
	ttl       time.Duration
	logger    observability.Logger
	now       func() time.Time
}

// RedisStoreOption is a functional option for the Redis store.
type RedisStoreOption func(*RedisStore)

// WithRedisTTL sets the session lifetime.
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisKeyPrefix sets the key prefix for session records.
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// WithRedisLogger sets the logger for the store.
func WithRedisLogger(logger observability.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// WithRedisClock sets the time source, used in tests.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       DefaultTTL,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "session-redis",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A missing key is a protocol outcome, not a store failure.
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("session store breaker state changed",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return s, nil
}

// Issue creates a fresh session for the given fingerprint and identity.
func (s *RedisStore) Issue(ctx context.Context, fingerprint, username string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &Session{
		ID:             id,
		KeyFingerprint: fingerprint,
		Username:       username,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.key(id), payload, s.ttl).Err()
	})
	if err != nil {
		return nil, s.wrapStoreErr(err)
	}

	s.logger.Debug("session issued",
		observability.String("fingerprint", fingerprint),
		observability.String("username", username),
		observability.Time("expires_at", record.ExpiresAt),
	)

	return record, nil
}

// Lookup returns the session with the given id.
func (s *RedisStore) Lookup(ctx context.Context, id string) (*Session, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, s.key(id)).Bytes()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, s.wrapStoreErr(err)
	}

	var record Session
	if err := json.Unmarshal(result.([]byte), &record); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	// Redis TTL handles expiry; the explicit check is a backstop against
	// clock skew between writer and reader.
	if record.Expired(s.now()) {
		_ = s.Revoke(ctx, id)
		return nil, ErrSessionNotFound
	}

	return &record, nil
}

// Revoke removes the session with the given id. Idempotent.
func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.key(id)).Err()
	})
	if err != nil {
		return s.wrapStoreErr(err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// key namespaces a session id.
func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// wrapStoreErr maps breaker and transport failures to ErrStoreUnavailable.
func (s *RedisStore) wrapStoreErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
