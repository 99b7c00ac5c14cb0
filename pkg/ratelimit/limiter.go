// Package ratelimit bounds how many requests a single subject may push
// through the gateway per window, as a request-exhaustion guard in
// front of the per-request resource limits.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(subject string, limit int) Decision
}

// SubjectLimiter is the in-process fixed-window limiter. Expired
// windows are dropped lazily on access.
type SubjectLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]window
}

type window struct {
	count    int
	openedAt time.Time
}

func NewSubjectLimiter(windowSize time.Duration) *SubjectLimiter {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &SubjectLimiter{
		window:  windowSize,
		windows: make(map[string]window),
	}
}

func (l *SubjectLimiter) Allow(subject string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[subject]
	if !ok || now.Sub(w.openedAt) >= l.window {
		w = window{openedAt: now}
	}
	w.count++
	l.windows[subject] = w
	if len(l.windows) > 1024 {
		l.evictExpired(now)
	}
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = l.window - now.Sub(w.openedAt)
	}
	return d
}

func (l *SubjectLimiter) evictExpired(now time.Time) {
	for subject, w := range l.windows {
		if now.Sub(w.openedAt) >= l.window {
			delete(l.windows, subject)
		}
	}
}
