package gateway

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// BikeLimiter keeps one token bucket per bike. A bucket left idle for the
// idle period is evicted; by then it would have refilled to burst anyway as
// long as idle >= burst/rate.
type BikeLimiter struct {
	bikes *cache.Cache
	mu    sync.Mutex
	r     rate.Limit
	b     int
}

// NewBikeLimiter creates a limiter allowing r events per second with burst b
// for each bike, forgetting bikes silent for idle.
func NewBikeLimiter(r rate.Limit, b int, idle time.Duration) *BikeLimiter {
	return &BikeLimiter{
		bikes: cache.New(idle, idle),
		r:     r,
		b:     b,
	}
}

func (l *BikeLimiter) get(bikeID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.bikes.Get(bikeID)
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
	}
	// Set again to push the idle deadline back.
	l.bikes.Set(bikeID, limiter, cache.DefaultExpiration)
	return limiter.(*rate.Limiter)
}

// Allow reports whether bikeID may send one more message now.
func (l *BikeLimiter) Allow(bikeID string) bool {
	return l.get(bikeID).Allow()
}

// Forget drops the bucket of bikeID, e.g. once it is known not to exist.
func (l *BikeLimiter) Forget(bikeID string) {
	l.bikes.Delete(bikeID)
}

// Len is the number of buckets held, expired ones the janitor has not
// reached included.
func (l *BikeLimiter) Len() int {
	return l.bikes.ItemCount()
}
