package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the cooldown window.
type Store interface {
	// GetCooldown returns the current cooldown, or a zero Cooldown if none is stored.
	GetCooldown(ctx context.Context) (Cooldown, error)

	// ExtendCooldown records until, never shortening an existing later window.
	ExtendCooldown(ctx context.Context, until time.Time) error
}

// MemoryStore keeps the cooldown in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	until time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// GetCooldown implements Store.
func (m *MemoryStore) GetCooldown(_ context.Context) (Cooldown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Cooldown{Until: m.until}, nil
}

// ExtendCooldown implements Store.
func (m *MemoryStore) ExtendCooldown(_ context.Context, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.until) {
		m.until = until
	}
	return nil
}

// RedisStore shares the cooldown between every process pointed at the same Redis,
// so parallel CLI runs against one API key back off together.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a store using RedisKeyCooldownUntil.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		key:   RedisKeyCooldownUntil,
	}
}

// GetCooldown implements Store.
func (r *RedisStore) GetCooldown(ctx context.Context) (Cooldown, error) {
	ms, err := r.redis.Get(ctx, r.key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Cooldown{}, nil
		}
		return Cooldown{}, fmt.Errorf("redis get cooldown: %w", err)
	}
	return Cooldown{Until: time.UnixMilli(ms)}, nil
}

// ExtendCooldown implements Store. The key expires with the window.
func (r *RedisStore) ExtendCooldown(ctx context.Context, until time.Time) error {
	current, err := r.GetCooldown(ctx)
	if err != nil {
		return err
	}
	if !until.After(current.Until) {
		return nil
	}

	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := r.redis.Set(ctx, r.key, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}
