// Package ratelimit implements per-caller admission control using a
// fixed-window counter.
//
// Each identity owns a window with a remaining count and a reset time. The
// read-reset-decrement sequence for one identity runs under that window's
// own mutex, so concurrent callers never both spend the last unit and a
// rollover is never applied twice. The identity map is guarded separately
// and only held for lookup, insert and delete, so unrelated identities do
// not serialize behind each other.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
)

// Config describes one named limiter.
type Config struct {
	// Capacity is the number of requests admitted per window. Zero admits
	// nothing.
	Capacity int
	// Window is the length of the fixed window.
	Window time.Duration
}

// Decision is the outcome of an admission check. A rejection is a normal
// value, not an error.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Limit             int
	Remaining         int
	ResetAt           time.Time
}

type clientWindow struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	evicted   bool // set by Sweep under mu; holders of a stale pointer must look up again
}

// Limiter is a fixed-window admission limiter keyed by opaque identity.
// It is safe for concurrent use.
type Limiter struct {
	name  string
	cfg   Config
	clock clock.Clock

	mu      sync.RWMutex
	windows map[string]*clientWindow
}

// New creates a Limiter. A negative capacity or non-positive window is a
// configuration error.
func New(name string, cfg Config, clk clock.Clock) (*Limiter, error) {
	if cfg.Capacity < 0 {
		return nil, errors.NewInvalidConfig(fmt.Sprintf("limiters.%s.capacity", name), "must be >= 0")
	}
	if cfg.Window <= 0 {
		return nil, errors.NewInvalidConfig(fmt.Sprintf("limiters.%s.window_ms", name), "must be > 0")
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Limiter{
		name:    name,
		cfg:     cfg,
		clock:   clk,
		windows: make(map[string]*clientWindow),
	}, nil
}

// Name returns the limiter's name.
func (l *Limiter) Name() string { return l.name }

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Check decides whether identity may proceed now and, if so, spends one unit
// of its capacity. It never blocks beyond the per-identity critical section.
func (l *Limiter) Check(identity string) Decision {
	for {
		w := l.window(identity)
		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}
		now := l.clock.Now()
		l.roll(w, now)

		allowed := w.remaining > 0
		if allowed {
			w.remaining--
		}
		d := l.decision(w, now, allowed)
		w.mu.Unlock()
		return d
	}
}

// Status reports the current decision for identity without spending
// capacity or creating a window.
func (l *Limiter) Status(identity string) Decision {
	now := l.clock.Now()

	l.mu.RLock()
	w := l.windows[identity]
	l.mu.RUnlock()

	if w == nil {
		return l.fresh(now)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evicted || !now.Before(w.resetAt) {
		return l.fresh(now)
	}
	return l.decision(w, now, w.remaining > 0)
}

// fresh is the decision for an identity with no live window. A zero-capacity
// limiter still denies, and the caller should retry after a full window.
func (l *Limiter) fresh(now time.Time) Decision {
	d := Decision{
		Allowed:   l.cfg.Capacity > 0,
		Limit:     l.cfg.Capacity,
		Remaining: l.cfg.Capacity,
		ResetAt:   now.Add(l.cfg.Window),
	}
	if !d.Allowed {
		d.RetryAfterSeconds = ceilSeconds(l.cfg.Window)
	}
	return d
}

// Sweep removes windows whose reset time has passed, i.e. identities idle
// for at least one full window. The map lock is taken once per candidate,
// never for the whole pass. Returns the number of windows removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.RLock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		l.mu.Lock()
		if w, ok := l.windows[k]; ok {
			w.mu.Lock()
			if !now.Before(w.resetAt) {
				w.evicted = true
				delete(l.windows, k)
				removed++
			}
			w.mu.Unlock()
		}
		l.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// window returns the live window for identity, creating it if needed.
func (l *Limiter) window(identity string) *clientWindow {
	l.mu.RLock()
	w := l.windows[identity]
	l.mu.RUnlock()
	if w != nil {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w = l.windows[identity]; w == nil {
		// Zero resetAt forces initialisation on first use.
		w = &clientWindow{}
		l.windows[identity] = w
	}
	return w
}

// roll replaces an expired window with a fresh one. Must be called with w.mu held.
func (l *Limiter) roll(w *clientWindow, now time.Time) {
	if now.Before(w.resetAt) {
		return
	}
	w.remaining = l.cfg.Capacity
	w.resetAt = now.Add(l.cfg.Window)
}

// decision builds a Decision from w. Must be called with w.mu held.
func (l *Limiter) decision(w *clientWindow, now time.Time, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     l.cfg.Capacity,
		Remaining: w.remaining,
		ResetAt:   w.resetAt,
	}
	if !allowed {
		d.RetryAfterSeconds = ceilSeconds(w.resetAt.Sub(now))
	}
	return d
}

// ceilSeconds rounds d up to whole seconds, clamping at zero.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
