package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a crashed run can block its vendor.
const DefaultLeaseTTL = 15 * time.Minute

// Lease is held for the duration of one vendor's run.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out at most one lease per vendor. Acquire returns
// ErrSyncInProgress when the vendor's lease is taken.
type Locker interface {
	Acquire(ctx context.Context, vendorID string) (Lease, error)
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, vendorID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[vendorID]; ok {
		return nil, ErrSyncInProgress
	}
	l.held[vendorID] = struct{}{}
	return &localLease{locker: l, vendorID: vendorID}, nil
}

type localLease struct {
	locker   *LocalLocker
	vendorID string
	once     sync.Once
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.vendorID)
		l.locker.mu.Unlock()
	})
	return nil
}

// RedisClient is the subset of go-redis used for leases.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never frees a newer holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker serializes runs across service instances.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "vendor-sync:lease:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, vendorID string) (Lease, error) {
	key := l.prefix + vendorID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client RedisClient
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
