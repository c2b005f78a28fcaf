package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrMsg is the user-facing ack message when a limit trips.
const ErrMsg = "Too frequently, try again later."

// Limiter applies a per-key (client IP) token bucket.
type Limiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter allowing perMinute events per key per minute, with a
// burst of the same size.
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one more event is permitted for the key right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Limits holds the standard per-IP limiters.
type Limits struct {
	Login *Limiter // credential attempts
	Twofa *Limiter // 2FA token attempts
	API   *Limiter // general API events
}

func NewLimits() *Limits {
	return &Limits{
		Login: New(20),
		Twofa: New(30),
		API:   New(60),
	}
}
