package gateway

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter keeps one token bucket per target domain and evicts
// buckets that have been idle for idleTTL
type DomainLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	hits    uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDomainLimiter returns nil, which allows everything, when rps or burst
// is not positive
func NewDomainLimiter(rps float64, burst int, idleTTL time.Duration) *DomainLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &DomainLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for domain at now
func (l *DomainLimiter) Allow(domain string, now time.Time) bool {
	if l == nil {
		return true
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[domain]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[domain] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.buckets {
			if v.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
	}

	return allowed
}

// RetryAfter is how long a refused caller should wait for one token
func (l *DomainLimiter) RetryAfter() time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}

// Len returns the number of live buckets
func (l *DomainLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
