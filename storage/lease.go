package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "jobalert:lease:"

// Locker grants short-lived exclusive leases on alerts so two processors
// never evaluate the same alert at once.
type Locker interface {
	// Acquire returns a token and true when the lease was granted.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Renew extends the lease to ttl from now. It returns false when token
	// no longer holds the lease.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release drops the lease if token still holds it.
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the lease only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript resets the expiry only when the lease still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leasePrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Renew implements Locker.
func (l *RedisLocker) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{leasePrefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{leasePrefix + key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// MemoryLocker implements Locker for a single process.
type MemoryLocker struct {
	now    func() time.Time
	leases map[string]memoryLease
	mu     sync.Mutex
}

type memoryLease struct {
	expires time.Time
	token   string
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		now:    time.Now,
		leases: make(map[string]memoryLease),
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Renew implements Locker.
func (l *MemoryLocker) Renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	held, ok := l.leases[key]
	if !ok || held.token != token || !now.Before(held.expires) {
		return false, nil
	}
	held.expires = now.Add(ttl)
	l.leases[key] = held
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[key]; ok && held.token == token {
		delete(l.leases, key)
	}
	return nil
}
