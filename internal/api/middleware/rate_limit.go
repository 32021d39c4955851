package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"webhookd/internal/pkg/errors"
)

// RateLimiter is a per-key token bucket refilled continuously over a minute.
type RateLimiter struct {
	store *sync.Map // map[string]*Bucket
	clock clockwork.Clock
	limit int
}

type Bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewRateLimiter(limitPerMinute int, clock clockwork.Clock) *RateLimiter {
	if limitPerMinute < 1 {
		limitPerMinute = 1
	}
	return &RateLimiter{
		store: &sync.Map{},
		clock: clock,
		limit: limitPerMinute,
	}
}

// Cleanup evicts buckets idle for longer than idle. Call it periodically.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	now := rl.clock.Now()
	rl.store.Range(func(key, value interface{}) bool {
		bucket := value.(*Bucket)
		bucket.mu.Lock()
		if now.Sub(bucket.lastAccess) > idle {
			rl.store.Delete(key)
		}
		bucket.mu.Unlock()
		return true
	})
}

func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	val, _ := rl.store.LoadOrStore(key, &Bucket{
		tokens:     rl.limit,
		lastRefill: now,
		lastAccess: now,
	})

	bucket := val.(*Bucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.lastAccess = now

	elapsed := now.Sub(bucket.lastRefill)
	refillTokens := int(elapsed.Seconds() * float64(rl.limit) / 60.0)

	if refillTokens > 0 {
		bucket.tokens += refillTokens
		if bucket.tokens > rl.limit {
			bucket.tokens = rl.limit
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	return false
}

// Handle throttles by remote address.
func (rl *RateLimiter) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
			return
		}

		next(w, r)
	}
}
