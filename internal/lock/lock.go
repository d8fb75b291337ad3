// Package lock serializes work per wallet, either inside one process or across
// replicas through Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker hands out non-blocking exclusive locks keyed by string.
// ok is false when the key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Memory is an in-process Locker
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a lease based Locker shared by every replica using the same server.
// A lease expires after ttl so a crashed holder cannot block a wallet forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedis connects using a redis:// URL and checks the connection
func NewRedis(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	logger.Info("Redis lock connected", zap.String("addr", opts.Addr), zap.Duration("ttl", ttl))
	return &Redis{client: client, ttl: ttl, prefix: "yieldvault:lock:", logger: logger}, nil
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	fullKey := r.prefix + key
	token := uuid.New().String()

	acquired, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			released, err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Int()
			if err != nil {
				r.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
				return
			}
			if released == 0 {
				r.logger.Warn("Lock lease expired before release", zap.String("key", key))
			}
		})
	}, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
