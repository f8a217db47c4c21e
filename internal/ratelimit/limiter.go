// Package ratelimit provides the per-session fixed window limiter used by
// the rate-limit stages.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Strategy decides what happens when a window is exhausted.
type Strategy string

const (
	// StrategyDrop rejects the request.
	StrategyDrop Strategy = "drop"
	// StrategyWait blocks until the next window opens.
	StrategyWait Strategy = "wait"
)

// Rule is one limit: at most Limit admissions per Window.
type Rule struct {
	Window   time.Duration
	Limit    int
	Strategy Strategy
}

type window struct {
	start    time.Time
	count    int
	inflight int
}

// FixedWindow counts admissions per key in fixed windows aligned to the
// first admission of each window.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	maxKeys int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFixedWindow creates an empty limiter.
func NewFixedWindow() *FixedWindow {
	return &FixedWindow{
		windows: make(map[string]*window),
		maxKeys: 10000,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Allow admits one request for key when the current window has room.
// When it does not, the time until the window resets is returned.
func (l *FixedWindow) Allow(key string, rule Rule) (bool, time.Duration) {
	if rule.Limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.getWindow(key, now)
	if now.Sub(w.start) >= rule.Window {
		w.start = now
		w.count = 0
	}
	if w.count < rule.Limit {
		w.count++
		w.inflight++
		return true, 0
	}
	return false, w.start.Add(rule.Window).Sub(now)
}

// Acquire admits one request, waiting for the next window when the rule's
// strategy is wait. It reports false when the request is dropped.
func (l *FixedWindow) Acquire(ctx context.Context, key string, rule Rule) (bool, error) {
	for {
		ok, retryIn := l.Allow(key, rule)
		if ok {
			return true, nil
		}
		if rule.Strategy != StrategyWait {
			return false, nil
		}
		if err := l.sleep(ctx, retryIn); err != nil {
			return false, err
		}
	}
}

// Release ends an admitted request.
func (l *FixedWindow) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok && w.inflight > 0 {
		w.inflight--
	}
}

// Status reports the admissions counted in the current window and the
// requests not yet released.
func (l *FixedWindow) Status(key string) (count, inflight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w.count, w.inflight
	}
	return 0, 0
}

func (l *FixedWindow) getWindow(key string, now time.Time) *window {
	if w, ok := l.windows[key]; ok {
		return w
	}
	if len(l.windows) >= l.maxKeys {
		l.prune(now)
	}
	w := &window{start: now}
	l.windows[key] = w
	return w
}

// prune drops idle windows older than an hour.
func (l *FixedWindow) prune(now time.Time) {
	for key, w := range l.windows {
		if w.inflight == 0 && now.Sub(w.start) > time.Hour {
			delete(l.windows, key)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
