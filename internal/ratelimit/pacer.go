// Package ratelimit paces outbound vendor syncs and throttles inbound API
// calls per key.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	failureThreshold = 3
	recoveryStreak   = 5
	backoffFactor    = 1.5
	recoveryFactor   = 0.9
)

// Pacer spaces consecutive vendor syncs so a batch does not hammer vendor
// sites back to back. Each gap is drawn from [gap, gap*1.5). After three
// failures in a row the gap widens by half, up to ceiling; five successes
// in a row shrink it back toward base. A zero base disables pacing.
type Pacer struct {
	mu        sync.Mutex
	base      time.Duration
	gap       time.Duration
	ceiling   time.Duration
	failures  int
	successes int
	next      time.Time

	now    func() time.Time
	jitter func(n int64) int64
}

func NewPacer(base time.Duration) *Pacer {
	return &Pacer{
		base:    base,
		gap:     base,
		ceiling: max(2*time.Minute, base),
		now:     time.Now,
		jitter:  rand.Int64N,
	}
}

// Wait blocks until the next vendor may start. The first call never waits.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	wait := p.next.Sub(now)
	start := now
	if wait > 0 {
		start = p.next
	}
	p.next = start.Add(p.draw())
	p.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Record feeds the outcome of the last vendor sync back into the gap.
func (p *Pacer) Record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.base <= 0 {
		return
	}

	if err != nil {
		p.successes = 0
		p.failures++
		if p.failures >= failureThreshold {
			p.gap = min(time.Duration(float64(p.gap)*backoffFactor), p.ceiling)
			p.failures = 0
		}
		return
	}

	p.failures = 0
	p.successes++
	if p.successes >= recoveryStreak {
		p.gap = max(time.Duration(float64(p.gap)*recoveryFactor), p.base)
		p.successes = 0
	}
}

// Gap returns the current lower bound between vendors.
func (p *Pacer) Gap() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gap
}

func (p *Pacer) draw() time.Duration {
	if p.gap <= 0 {
		return 0
	}
	return p.gap + time.Duration(p.jitter(int64(p.gap/2)+1))
}
