package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter holds one token bucket per key, such as a vendor API key or
// client address. Buckets idle longer than ttl are dropped on Sweep.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

// NewKeyedLimiter allows perSecond requests per key with the given burst.
// A non-positive perSecond disables limiting.
func NewKeyedLimiter(perSecond float64, burst int, ttl time.Duration) *KeyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &KeyedLimiter{
		entries: make(map[string]*keyedEntry),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Sweep removes idle buckets and returns how many were dropped.
func (k *KeyedLimiter) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.ttl)
	dropped := 0
	for key, entry := range k.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(k.entries, key)
			dropped++
		}
	}
	return dropped
}

func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
