// Package ratelimit implements per-client fixed rolling window admission.
// Each client IP gets a counter scoped to a window of configurable length;
// once the counter exceeds the limit, further requests in the same window
// are rejected. Rejected requests still advance the counter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// Result reports the admission decision for a single request.
type Result struct {
	Allowed bool
	// Count is the number of requests observed in the current window,
	// including this one.
	Count int
}

// windowState tracks one client's current window. The per-entry mutex keeps
// the read-check-update of a single client serialized while unrelated
// clients proceed in parallel through the xsync map.
type windowState struct {
	mu    sync.Mutex
	start time.Time
	count int
	last  time.Time
}

// Limiter admits or rejects requests per client IP. Safe for concurrent use.
type Limiter struct {
	limit   int
	window  time.Duration
	entries *xsync.Map[string, *windowState]

	done      chan struct{}
	closeOnce sync.Once
}

// NewLimiter creates a limiter allowing limit requests per window for each
// client IP. A background janitor reclaims entries for clients that have
// gone quiet.
func NewLimiter(limit int, window time.Duration) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		entries: xsync.NewMap[string, *windowState](),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Admit records one request for clientIP and reports whether it is within
// the limit. The first limit requests of a window are allowed; every request
// after that is rejected until the window expires. A request arriving at or
// after window expiry starts a fresh window.
func (l *Limiter) Admit(clientIP string) Result {
	now := time.Now()

	state, _ := l.entries.LoadOrCompute(clientIP, func() (*windowState, bool) {
		return &windowState{start: now}, false
	})

	state.mu.Lock()
	defer state.mu.Unlock()

	if now.Sub(state.start) >= l.window {
		state.start = now
		state.count = 0
	}
	state.count++
	state.last = now

	return Result{Allowed: state.count <= l.limit, Count: state.count}
}

// Limit returns the configured per-window request limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Close stops the janitor goroutine.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// janitor periodically drops entries whose client has been idle for several
// windows, so the map does not grow with every IP ever seen.
func (l *Limiter) janitor() {
	interval := l.window
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	staleAfter := 5 * l.window
	removed := 0
	l.entries.Range(func(key string, state *windowState) bool {
		state.mu.Lock()
		stale := now.Sub(state.last) >= staleAfter
		state.mu.Unlock()
		if stale {
			l.entries.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		logger.Debug("Rate limiter janitor removed %d stale entries", removed)
	}
}
