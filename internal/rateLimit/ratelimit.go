package rateLimit

import (
	"context"
	"sync"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
)

// Counter counts hits on key within a fixed window of length period.
type Counter interface {
	Hit(ctx context.Context, key string, period time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, logger observability.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, logger: logger}
}

// Allow reports whether another request under key fits in rate per period.
// A failing counter lets the request through.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	n, err := rl.counter.Hit(ctx, key, period)
	if err != nil {
		observability.FromContext(ctx, rl.logger).WithError(err).Warn("rate limiter unavailable")
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}

type window struct {
	count int64
	reset time.Time
}

// MemoryCounter is a process-local Counter for runs without Redis.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]window
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, windows: make(map[string]window)}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, period time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w := m.windows[key]
	if !now.Before(w.reset) {
		w = window{reset: now.Add(period)}
	}
	w.count++
	m.windows[key] = w
	return w.count, nil
}
