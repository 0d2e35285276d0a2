package responder

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// partnerLimiter applies a token bucket per partner and periodically evicts
// idle entries.
type partnerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPartnerLimiter returns nil (no limiting) when perMinute or burst is not positive.
func newPartnerLimiter(perMinute float64, burst int) *partnerLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &partnerLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		idleTTL: 30 * time.Minute,
		byKey:   make(map[string]*limiterEntry),
	}
}

// allow reports whether partner may get a reply at now.
func (l *partnerLimiter) allow(partner string, now time.Time) bool {
	if l == nil || partner == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[partner]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[partner] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
