package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeviceLimiter is a per-device token bucket, cost = point count, adapted
// from control_plane/scheduler/limiter.go's TokenBucketLimiter — same
// map-of-limiters-guarded-by-mutex shape, generalized to accept a request
// cost (spec §4.2: "cost = points count, capacity = per-minute budget").
type DeviceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewDeviceLimiter builds a limiter refilling at perMinuteBudget tokens a
// minute with burst equal to the budget itself.
func NewDeviceLimiter(perMinuteBudget int) *DeviceLimiter {
	return &DeviceLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(perMinuteBudget) / 60.0),
		burst:    perMinuteBudget,
	}
}

func (l *DeviceLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// AllowN reports whether cost tokens are available for key right now.
func (l *DeviceLimiter) AllowN(key string, cost int) bool {
	return l.limiterFor(key).AllowN(time.Now(), cost)
}

// WriteRateLimited writes the 429 + Retry-After envelope from spec §4.2.
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"per-device ingest budget exceeded"}}`))
}
