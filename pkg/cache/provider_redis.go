package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider stores entries in Redis, so several client processes of the
// same user share one receipt ledger.
type RedisProvider struct {
	client  *redis.Client
	options *Options
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Options  *Options
}

func NewRedisProvider(config *RedisConfig) (*RedisProvider, error) {
	if config == nil {
		config = &RedisConfig{}
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 6379
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisProviderWithClient(client, config.Options), nil
}

// NewRedisProviderWithClient wraps an existing client.
func NewRedisProviderWithClient(client *redis.Client, opts *Options) *RedisProvider {
	if opts == nil {
		opts = &Options{DefaultTTL: 24 * time.Hour}
	}
	return &RedisProvider{client: client, options: opts}
}

func (r *RedisProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.options.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.options.key(key), value, r.options.ttl(ttl)).Err()
}

func (r *RedisProvider) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.options.key(key), value, r.options.ttl(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisProvider) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.options.key(key)).Err()
}

func (r *RedisProvider) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, r.options.key(key)).Result()
	return err == nil && n > 0
}

// Clear removes every key under the provider's prefix. Without a prefix it
// refuses, rather than flushing a shared database.
func (r *RedisProvider) Clear(ctx context.Context) error {
	if r.options.KeyPrefix == "" {
		return errors.New("refusing to clear redis without a key prefix")
	}

	iter := r.client.Scan(ctx, 0, r.options.KeyPrefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}

func (r *RedisProvider) Stats(ctx context.Context) (*CacheStats, error) {
	dbSize, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB size: %w", err)
	}

	return &CacheStats{
		Keys:         dbSize,
		ProviderType: "redis",
		ProviderStats: map[string]any{
			"pool_hits":   r.client.PoolStats().Hits,
			"pool_misses": r.client.PoolStats().Misses,
			"key_prefix":  r.options.KeyPrefix,
		},
	}, nil
}
