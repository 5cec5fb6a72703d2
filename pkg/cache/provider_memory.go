package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryItem struct {
	Value      []byte
	Expiration time.Time
	LastAccess time.Time
}

func (m *memoryItem) isExpired(now time.Time) bool {
	return !m.Expiration.IsZero() && now.After(m.Expiration)
}

// MemoryProvider is a process-local Provider.
type MemoryProvider struct {
	mu      sync.Mutex
	items   map[string]*memoryItem
	options *Options
	closed  bool
	hits    atomic.Int64
	misses  atomic.Int64
	now     func() time.Time
}

func NewMemoryProvider(opts *Options) *MemoryProvider {
	if opts == nil {
		opts = &Options{
			DefaultTTL: 24 * time.Hour,
			MaxSize:    50000,
		}
	}

	return &MemoryProvider{
		items:   make(map[string]*memoryItem),
		options: opts,
		now:     time.Now,
	}
}

func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	item, ok := m.items[key]
	if !ok || item.isExpired(now) {
		if ok {
			delete(m.items, key)
		}
		m.misses.Add(1)
		return nil, false
	}

	item.LastAccess = now
	m.hits.Add(1)
	return item.Value, true
}

func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrProviderClosed
	}
	m.store(key, value, ttl)
	return nil
}

func (m *MemoryProvider) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrProviderClosed
	}

	if item, ok := m.items[key]; ok && !item.isExpired(m.now()) {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

// store expects m.mu to be held.
func (m *MemoryProvider) store(key string, value []byte, ttl time.Duration) {
	now := m.now()
	ttl = m.options.ttl(ttl)

	var expiration time.Time
	if ttl > 0 {
		expiration = now.Add(ttl)
	}

	if m.options.MaxSize > 0 && len(m.items) >= m.options.MaxSize {
		if _, exists := m.items[key]; !exists {
			m.evictOne(now)
		}
	}

	m.items[key] = &memoryItem{
		Value:      value,
		Expiration: expiration,
		LastAccess: now,
	}
}

func (m *MemoryProvider) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryProvider) Exists(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	return ok && !item.isExpired(m.now())
}

func (m *MemoryProvider) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*memoryItem)
	m.hits.Store(0)
	m.misses.Store(0)
	return nil
}

func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = make(map[string]*memoryItem)
	return nil
}

func (m *MemoryProvider) Stats(ctx context.Context) (*CacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	valid := 0
	for _, item := range m.items {
		if !item.isExpired(now) {
			valid++
		}
	}

	return &CacheStats{
		Hits:         m.hits.Load(),
		Misses:       m.misses.Load(),
		Keys:         int64(valid),
		ProviderType: "memory",
		ProviderStats: map[string]any{
			"capacity": m.options.MaxSize,
		},
	}, nil
}

// evictOne drops an expired entry if there is one, else the least recently used.
func (m *MemoryProvider) evictOne(now time.Time) {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range m.items {
		if item.isExpired(now) {
			delete(m.items, key)
			return
		}
		if oldestKey == "" || item.LastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastAccess
		}
	}

	if oldestKey != "" {
		delete(m.items, oldestKey)
	}
}

// CleanExpired removes all expired items and returns how many were dropped.
func (m *MemoryProvider) CleanExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for key, item := range m.items {
		if item.isExpired(now) {
			delete(m.items, key)
			count++
		}
	}
	return count
}
