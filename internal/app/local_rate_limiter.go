package app

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalRateLimiter is a per-process token bucket per scope+subject, used when
// Redis is not configured.
type LocalRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*localLimiterEntry
	idleTTL time.Duration
	now     func() time.Time
}

type localLimiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		entries: make(map[string]*localLimiterEntry),
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
}

func (l *LocalRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	now := l.now()
	lim := l.limiter(scope+":"+subject, limit, window, now)
	if lim.AllowN(now, 1) {
		return 1, 0, nil
	}

	// Report the budget as exhausted and how long until one token is back.
	perToken := window / time.Duration(limit)
	retryAfter := int(math.Ceil(perToken.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return limit + 1, retryAfter, nil
}

func (l *LocalRateLimiter) limiter(key string, limit int, window time.Duration, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 10000 {
		l.cleanupLocked(now)
	}
	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	l.entries[key] = &localLimiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (l *LocalRateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}
