package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// writeLimiter keeps one token bucket per reader. A non-positive rate
// disables limiting.
type writeLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clock     func() time.Time
	buckets   map[string]*readerBucket
	lastSweep time.Time
}

type readerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newWriteLimiter(perMinute, burst int, clock func() time.Time) *writeLimiter {
	if clock == nil {
		clock = time.Now
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	return &writeLimiter{
		limit:   limit,
		burst:   burst,
		clock:   clock,
		buckets: make(map[string]*readerBucket),
	}
}

func (l *writeLimiter) allow(userID string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for key, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > limiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &readerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}
