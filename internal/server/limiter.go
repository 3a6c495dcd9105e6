package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per user. Idle buckets are dropped
// lazily on access.
type limiterPool struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may issue one more request now.
func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) > limiterIdleTTL {
		cutoff := now.Add(-limiterIdleTTL)
		for id, entry := range p.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(p.entries, id)
			}
		}
		p.lastSweep = now
	}
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	p.mu.Unlock()
	return limiter.AllowN(now, 1)
}
