package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitechdev/ChatMux/pkg/config"
)

// ErrProviderClosed is returned by a memory provider after Close.
var ErrProviderClosed = errors.New("cache provider is closed")

// Provider is a small TTL key/value store. The read-receipt ledger uses
// SetIfAbsent to claim a (room, message) pair exactly once across every
// client sharing the store.
type Provider interface {
	// Get returns nil, false if the key is missing or expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value; a ttl of 0 uses the provider default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when key does not exist yet and
	// reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) error
	Close() error
	Stats(ctx context.Context) (*CacheStats, error)
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Hits          int64          `json:"hits"`
	Misses        int64          `json:"misses"`
	Keys          int64          `json:"keys"`
	ProviderType  string         `json:"provider_type"`
	ProviderStats map[string]any `json:"provider_stats,omitempty"`
}

// Options contains configuration options for cache providers.
type Options struct {
	// DefaultTTL applies when a call passes a zero ttl.
	DefaultTTL time.Duration

	// MaxSize bounds the in-memory provider; the least recently used
	// entry is evicted first.
	MaxSize int

	// KeyPrefix namespaces every key in shared stores.
	KeyPrefix string
}

func (o *Options) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return o.DefaultTTL
	}
	return ttl
}

func (o *Options) key(key string) string {
	return o.KeyPrefix + key
}

// NewProviderFromConfig builds the provider named by cfg.Provider.
func NewProviderFromConfig(cfg config.LedgerConfig) (Provider, error) {
	opts := &Options{
		DefaultTTL: cfg.TTL,
		MaxSize:    cfg.MaxSize,
		KeyPrefix:  "chatmux:receipt:",
	}

	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider(opts), nil
	case "redis":
		return NewRedisProvider(&RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Options:  opts,
		})
	case "memcache":
		return NewMemcacheProvider(&MemcacheConfig{
			Servers:      cfg.Memcache.Servers,
			MaxIdleConns: cfg.Memcache.MaxIdleConns,
			Timeout:      cfg.Memcache.Timeout,
			Options:      opts,
		})
	default:
		return nil, fmt.Errorf("unknown cache provider: %s", cfg.Provider)
	}
}
