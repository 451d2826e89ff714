package runlock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock is a single-key lease shared by every process pointed at the same
// Redis. The lease expires after its TTL so a crashed run cannot hold it
// forever.
type RedisLock struct {
	client  redis.UniversalClient
	key     string
	acquire *redis.Script
	release *redis.Script
}

func NewRedisLock(client redis.UniversalClient, keyPrefix string) (*RedisLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "catalogfit"
	}

	return &RedisLock{
		client: client,
		key:    keyPrefix + ":runlock",
		acquire: redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

local current = redis.call("GET", key)
if current == false or current == owner then
  redis.call("SET", key, owner, "PX", ttl_ms)
  return 1
end
return 0
`),
		release: redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`),
	}, nil
}

// Acquire takes the lease for owner. Re-acquiring by the same owner extends it.
func (l *RedisLock) Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ttlMS := max(int64(1), ttl.Milliseconds())
	raw, err := l.acquire.Run(ctx, l.client, []string{l.key}, owner, ttlMS).Result()
	if err != nil {
		return false, fmt.Errorf("run acquire script: %w", err)
	}
	acquired, err := toInt64(raw)
	if err != nil {
		return false, fmt.Errorf("parse acquire result: %w", err)
	}
	return acquired == 1, nil
}

// Release drops the lease if owner still holds it.
func (l *RedisLock) Release(ctx context.Context, owner string) error {
	if err := l.release.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	return nil
}

// Holder reports the current owner, or "" when the lease is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return owner, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}

// Memory is an in-process lease with the same semantics as RedisLock.
type Memory struct {
	mu      sync.Mutex
	owner   string
	expires time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.owner != "" && m.owner != owner && now.Before(m.expires) {
		return false, nil
	}
	m.owner = owner
	m.expires = now.Add(ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
		m.expires = time.Time{}
	}
	return nil
}

func (m *Memory) Holder(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == "" || !m.now().Before(m.expires) {
		return "", nil
	}
	return m.owner, nil
}
