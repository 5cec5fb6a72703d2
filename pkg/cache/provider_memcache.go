package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheProvider stores entries in memcached.
type MemcacheProvider struct {
	client  *memcache.Client
	options *Options
}

// MemcacheConfig contains Memcache-specific configuration.
type MemcacheConfig struct {
	Servers      []string
	MaxIdleConns int
	Timeout      time.Duration
	Options      *Options
}

func NewMemcacheProvider(config *MemcacheConfig) (*MemcacheProvider, error) {
	if config == nil {
		config = &MemcacheConfig{}
	}
	if len(config.Servers) == 0 {
		config.Servers = []string{"localhost:11211"}
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 1 * time.Second
	}
	if config.Options == nil {
		config.Options = &Options{DefaultTTL: 24 * time.Hour}
	}

	client := memcache.New(config.Servers...)
	client.MaxIdleConns = config.MaxIdleConns
	client.Timeout = config.Timeout

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Memcache: %w", err)
	}

	return &MemcacheProvider{
		client:  client,
		options: config.Options,
	}, nil
}

func (m *MemcacheProvider) item(key string, value []byte, ttl time.Duration) *memcache.Item {
	return &memcache.Item{
		Key:        m.options.key(key),
		Value:      value,
		Expiration: int32(m.options.ttl(ttl).Seconds()),
	}
}

func (m *MemcacheProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	it, err := m.client.Get(m.options.key(key))
	if err != nil {
		return nil, false
	}
	return it.Value, true
}

func (m *MemcacheProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.client.Set(m.item(key, value, ttl))
}

// SetIfAbsent relies on memcached "add", which fails with ErrNotStored
// when the key is already present.
func (m *MemcacheProvider) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	err := m.client.Add(m.item(key, value, ttl))
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcache add %s: %w", key, err)
	}
	return true, nil
}

func (m *MemcacheProvider) Delete(ctx context.Context, key string) error {
	err := m.client.Delete(m.options.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (m *MemcacheProvider) Exists(ctx context.Context, key string) bool {
	_, err := m.client.Get(m.options.key(key))
	return err == nil
}

func (m *MemcacheProvider) Clear(ctx context.Context) error {
	return m.client.FlushAll()
}

// Close is a no-op; the client keeps no resources that need releasing.
func (m *MemcacheProvider) Close() error {
	return nil
}

func (m *MemcacheProvider) Stats(ctx context.Context) (*CacheStats, error) {
	return &CacheStats{
		ProviderType: "memcache",
		ProviderStats: map[string]any{
			"key_prefix": m.options.KeyPrefix,
		},
	}, nil
}
