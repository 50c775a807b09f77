package api

import (
	"sync"
	"time"
)

// askLimiter is a token bucket per participant that throttles ask requests,
// and with them calls to the completion backend.
type askLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     float64
	rate    float64 // tokens per second
	now     func() time.Time
}

const maxBuckets = 1024

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// newAskLimiter returns nil when perMinute is not positive, which disables limiting.
func newAskLimiter(burst int, perMinute float64, now func() time.Time) *askLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &askLimiter{
		buckets: make(map[string]*bucket),
		max:     float64(burst),
		rate:    perMinute / 60.0,
		now:     now,
	}
}

// Allow takes a token from key's bucket. When none is left it reports how
// long until the next one.
func (l *askLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.pruneLocked(now)
		}
		b = &bucket{tokens: l.max, lastTime: now}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.lastTime).Seconds() * l.rate
	if b.tokens > l.max {
		b.tokens = l.max
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// pruneLocked drops buckets that have refilled completely.
func (l *askLimiter) pruneLocked(now time.Time) int {
	n := 0
	for k, b := range l.buckets {
		if b.tokens+now.Sub(b.lastTime).Seconds()*l.rate >= l.max {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
