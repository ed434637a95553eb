package oracle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LocalLimiter throttles attempts per construct with in-process token
// buckets. Suitable for single-node deployments.
type LocalLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter allows rps attempts per second per construct with the
// given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Wait(ctx context.Context, constructID string) error {
	l.mu.Lock()
	lim, ok := l.limiters[constructID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[constructID] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

var _ Limiter = (*LocalLimiter)(nil)
