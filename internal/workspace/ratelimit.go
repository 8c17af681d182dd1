package workspace

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActivationLimiter enforces a per-client-IP token bucket over workspace
// activation requests. Only POST /api/workspaces/{id}/activate is limited;
// every other route is unlimited per spec.
type ActivationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

// NewActivationLimiter builds a limiter allowing perMin activations per
// minute per IP, refilled continuously (not reset on the minute boundary).
func NewActivationLimiter(perMin int) *ActivationLimiter {
	if perMin <= 0 {
		perMin = 10
	}
	l := &ActivationLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMin,
	}
	go l.cleanupRoutine()
	return l
}

// Allow reports whether clientIP may perform another activation now,
// consuming one token from its bucket if so.
func (l *ActivationLimiter) Allow(clientIP string) bool {
	return l.limiterFor(clientIP).Allow()
}

func (l *ActivationLimiter) limiterFor(clientIP string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[clientIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[clientIP] = lim
	}
	return lim
}

// cleanupRoutine periodically drops the per-IP limiter map so it cannot
// grow without bound across the life of a long-running daemon.
func (l *ActivationLimiter) cleanupRoutine() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		if len(l.limiters) > 10000 {
			l.limiters = make(map[string]*rate.Limiter)
		}
		l.mu.Unlock()
	}
}
