package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore adapts a *redis.Client to the RemoteStore contract. It is the
// out-of-pack L2 dependency named in SPEC_FULL.md's DOMAIN STACK section:
// no example repo's go.mod imports a Redis client, but the original
// Rust source this proxy is distilled from uses the Rust redis crate's
// auto-reconnecting ConnectionManager for exactly this role, and
// go-redis/v9's *redis.Client plays the same part idiomatically in Go.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle (construction from a URL, TLS, pool sizing); this type only
// adapts the Get/Set calls the tiered cache needs.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRemoteMiss
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}
