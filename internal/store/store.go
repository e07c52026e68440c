// Package store wraps the shared ordered store (Redis) behind the small
// surface the playback core needs: list operations for queues, TTL string
// keys for watchdog timers, and hash snapshots for channel status. All
// multi-step mutations go through transaction pipelines so two writers never
// interleave partial list states.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr        string
	DB          int
	Password    string
	DialTimeout time.Duration
	KeyPrefix   string
}

type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(cfg Config) *Store {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{addr},
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: dial,
	})
	return &Store{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}
}

// NewWithClient wraps an existing client; used by tests running against an
// in-process server.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: strings.TrimSpace(prefix)}
}

func (s *Store) Close() error { return s.client.Close() }

// Key prepends the configured prefix so several deployments can share one
// Redis database.
func (s *Store) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + ":" + name
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// ---- string keys (watchdog timers) ----

// Get returns the value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// SetTTL writes a key with an expiry. The expiry is the firing mechanism for
// watchdog timers, so ttl must be > 0.
func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis setex %q: ttl must be > 0", key)
	}
	if err := s.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del %v: %w", keys, err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// TTL returns the remaining time to live. exists is false when the key is
// absent; a zero duration with exists=true means the key has no expiry.
func (s *Store) TTL(ctx context.Context, key string) (ttl time.Duration, exists bool, err error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl %q: %w", key, err)
	}
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return 0, true, nil
	default:
		return d, true, nil
	}
}

// ---- lists (playback queues) ----

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %q: %w", key, err)
	}
	return n, nil
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", key, err)
	}
	return vs, nil
}

func (s *Store) ListPushTail(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.RPush(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rpush %q: %w", key, err)
	}
	return n, nil
}

func (s *Store) ListPushHead(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.LPush(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lpush %q: %w", key, err)
	}
	return n, nil
}

// ListPopHead removes and returns the head; ok is false on an empty list.
func (s *Store) ListPopHead(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lpop %q: %w", key, err)
	}
	return v, true, nil
}

// ListRemove removes up to count occurrences of value (count semantics follow
// LREM; count=1 removes the first match from the head).
func (s *Store) ListRemove(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lrem %q: %w", key, err)
	}
	return n, nil
}

// RewriteList atomically replaces the whole list: DEL plus bulk RPUSH inside
// one MULTI/EXEC, so observers only ever see the old order or the new order.
// An empty values slice just deletes the key.
func (s *Store) RewriteList(ctx context.Context, key string, values []string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(values) > 0 {
			args := make([]any, len(values))
			for i, v := range values {
				args[i] = v
			}
			p.RPush(ctx, key, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rewrite %q: %w", key, err)
	}
	return nil
}

// ---- hashes (channel status snapshots) ----

// SetHash writes all fields of a hash and refreshes its TTL in one pipeline.
func (s *Store) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, args...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %q: %w", key, err)
	}
	return m, nil
}
