// Package session holds the signed-in identity and mirrors it into persisted
// scopes so a reload (or a fresh tab) can restore it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by a Scope when no entry exists for the key.
var ErrNotFound = errors.New("session: not found")

// Scope is one persistence scope for identity blobs. The store uses two: a
// tab scope (one entry per client tab) and a shared scope (one entry per
// client profile, inherited by fresh tabs).
type Scope interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// RedisScope stores JSON blobs under a key prefix with a TTL.
type RedisScope struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisScope(client *redis.Client, prefix string, ttl time.Duration) *RedisScope {
	return &RedisScope{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisScope) key(key string) string {
	return s.prefix + key
}

func (s *RedisScope) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session scope: %w", err)
	}
	return value, nil
}

func (s *RedisScope) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("write session scope: %w", err)
	}
	return nil
}

func (s *RedisScope) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete session scope: %w", err)
	}
	return nil
}
