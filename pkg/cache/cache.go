// Package cache provides the key/value store used for tool manifests,
// tool results and model responses. Every backend honors a per-entry TTL
// and never returns an entry past its expiry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Cache is a TTL-aware byte store. Implementations are safe for concurrent use.
type Cache interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IsExpired reports whether key is absent or past its expiry.
	IsExpired(ctx context.Context, key string) (bool, error)

	// DeletePrefix removes every key that starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases backend resources.
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend string

	// MaxEntries bounds the memory backend. Zero means DefaultMaxEntries.
	MaxEntries int

	// RedisURL is a redis:// URL understood by redis.ParseURL.
	RedisURL string
	// Prefix namespaces every key in shared backends.
	Prefix string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	Logger zerolog.Logger
}

// Open builds the backend named by cfg.Backend. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Cache, error) {
	var (
		c   Cache
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		c = NewMemory(MemoryOptions{MaxEntries: cfg.MaxEntries})
	case BackendRedis:
		var r *Redis
		if r, err = NewRedisFromURL(ctx, cfg.RedisURL, cfg.Prefix); err == nil {
			c = r
		}
	case BackendSQLite:
		var s *SQLite
		if s, err = NewSQLite(cfg.SQLitePath); err == nil {
			c = s
		}
	default:
		return nil, fmt.Errorf("unsupported cache backend %q (must be: memory, redis, sqlite)", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Backend, err)
	}

	cfg.Logger.Info().Str("backend", backendName(cfg.Backend)).Msg("Cache opened")
	return c, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendMemory
	}
	return b
}

// HashArguments returns the sha256 hex digest of v's canonical JSON form.
// Map keys are sorted by encoding/json, so equal argument maps hash equally.
func HashArguments(v any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// KeySeparator joins the parts of manifest and result keys. Namespace names
// may not contain it, which keeps ResultKey unambiguous: the namespace ends at
// the first separator and the argument hash is fixed width.
const KeySeparator = ":"

// ManifestKey is the cache key for a namespace's tool list.
func ManifestKey(namespace string) string {
	return "manifest" + KeySeparator + namespace
}

// ResultPrefix is the common prefix of every result key of a namespace.
func ResultPrefix(namespace string) string {
	return "result" + KeySeparator + namespace + KeySeparator
}

// ResultKey is the cache key for one tool invocation result.
func ResultKey(namespace, tool, argsHash string) string {
	return ResultPrefix(namespace) + tool + KeySeparator + argsHash
}
