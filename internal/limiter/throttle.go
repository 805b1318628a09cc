package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a token bucket per key (a tenant id). Idle buckets are evicted
// lazily on access.
type Throttle struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket
	swept   time.Time
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewThrottle allows burst operations at once and one more every interval.
// interval <= 0 disables throttling.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		every:   every,
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes a token for key. When it returns false, retryAfter tells when the
// next token is available.
func (t *Throttle) Allow(key string) (ok bool, retryAfter time.Duration) {
	if t == nil || t.every == rate.Inf {
		return true, 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)
	b, found := t.buckets[key]
	if !found {
		b = &bucket{lim: rate.NewLimiter(t.every, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (t *Throttle) sweep(now time.Time) {
	if now.Sub(t.swept) < t.idle {
		return
	}
	t.swept = now
	for k, b := range t.buckets {
		if now.Sub(b.seen) > t.idle {
			delete(t.buckets, k)
		}
	}
}
