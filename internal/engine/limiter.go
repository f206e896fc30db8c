package engine

import (
	"sync"

	"golang.org/x/time/rate"
)

// ownerLimiter applies a token-bucket submission limit per owner, so one
// user spamming submissions cannot crowd out everyone else's.
type ownerLimiter struct {
	mu      sync.Mutex
	perMin  float64
	burst   int
	buckets map[string]*rate.Limiter
}

// newOwnerLimiter allows ratePerMinute submissions per owner with the given
// burst. A non-positive rate disables limiting.
func newOwnerLimiter(ratePerMinute float64, burst int) *ownerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ownerLimiter{
		perMin:  ratePerMinute,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether owner may submit now, consuming a token if so.
func (l *ownerLimiter) Allow(owner string) bool {
	if l.perMin <= 0 {
		return true
	}

	l.mu.Lock()
	bucket, ok := l.buckets[owner]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.perMin/60), l.burst)
		l.buckets[owner] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}
