package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint for SCAN and the size of each DEL batch.
const scanBatch = 100

// globEscaper quotes the characters SCAN MATCH treats as patterns.
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Redis stores entries in a Redis server. Expiry is delegated to Redis
// itself, so entries vanish server-side once their TTL passes.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. Keys are stored under prefix.
// The caller keeps ownership of client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL connects to url and verifies the connection with PING.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("redis cache requires a url")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: prefix, owned: true}, nil
}

func (r *Redis) key(key string) string {
	return path.Join(r.prefix, key)
}

// Get returns the value for key. redis.Nil is reported as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value with SET ... EX. A ttl of zero stores without expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key under prefix. Keys are found with SCAN so
// the server is never blocked by a KEYS call.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := globEscaper.Replace(r.key(prefix)) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis del %s*: %w", prefix, err)
		}
	}
	return nil
}

// IsExpired reports whether key no longer exists.
func (r *Redis) IsExpired(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n == 0, nil
}

// Close closes the client if this cache created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
