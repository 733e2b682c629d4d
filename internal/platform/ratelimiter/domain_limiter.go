// Package ratelimiter bounds outbound discovery traffic per recipient domain.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter applies a token bucket per domain and evicts idle buckets
// periodically so the map stays bounded.
type DomainLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	byDomain map[string]*bucket
	hits     uint64
	idleTTL  time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-domain limiter; returns nil if args are invalid. A nil
// limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *DomainLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &DomainLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		byDomain: make(map[string]*bucket),
		idleTTL:  idleTTL,
	}
}

// Allow reports whether one lookup may proceed for the domain at now.
func (l *DomainLimiter) Allow(domain string, now time.Time) bool {
	if l == nil {
		return true
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byDomain[domain]
	if !ok {
		b = &bucket{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byDomain[domain] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for d, v := range l.byDomain {
			if v.lastSeen.Before(cutoff) {
				delete(l.byDomain, d)
			}
		}
	}

	return allowed
}
