package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisInvalidator drops the storefront's object-cache entries kept in Redis.
// Entries live under <prefix>:cache:<namespace>:<key>; a category is
// invalidated by moving its version key, which readers fold into their own
// cache keys.
type RedisInvalidator struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisInvalidator(client redis.UniversalClient, prefix string) (*RedisInvalidator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "catalogfit"
	}
	return &RedisInvalidator{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (c *RedisInvalidator) Invalidate(ctx context.Context, key, namespace string) error {
	if err := c.client.Del(ctx, EntryKey(c.prefix, namespace, key)).Err(); err != nil {
		return fmt.Errorf("delete cache entry %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (c *RedisInvalidator) BumpCategoryVersion(ctx context.Context, category string) error {
	version := fmt.Sprintf("%d", c.now().UnixNano())
	if err := c.client.Set(ctx, VersionKey(c.prefix, category), version, 0).Err(); err != nil {
		return fmt.Errorf("bump cache category %s: %w", category, err)
	}
	return nil
}

func EntryKey(prefix, namespace, key string) string {
	return fmt.Sprintf("%s:cache:%s:%s", prefix, namespace, key)
}

func VersionKey(prefix, category string) string {
	return fmt.Sprintf("%s:cache:%s:last_changed", prefix, category)
}

// memoryHistory bounds how many recent invalidations Memory keeps.
const memoryHistory = 256

// Memory records invalidations in process. It backs single-binary setups
// without Redis and tests. Only the most recent entries are kept.
type Memory struct {
	mu          sync.Mutex
	invalidated []string
	total       int
	versions    map[string]int
}

func NewMemory() *Memory {
	return &Memory{versions: make(map[string]int)}
}

func (m *Memory) Invalidate(_ context.Context, key, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invalidated) == memoryHistory {
		copy(m.invalidated, m.invalidated[1:])
		m.invalidated = m.invalidated[:memoryHistory-1]
	}
	m.invalidated = append(m.invalidated, namespace+":"+key)
	m.total++
	return nil
}

func (m *Memory) BumpCategoryVersion(_ context.Context, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[category]++
	return nil
}

// Invalidated lists the retained "<namespace>:<key>" entries in call order.
func (m *Memory) Invalidated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.invalidated...)
}

// Count is the number of invalidations since creation.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Memory) Version(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[category]
}
