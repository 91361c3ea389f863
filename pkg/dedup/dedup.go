// Package dedup suppresses repeated occurrences of the same key within a time window.
package dedup

import (
	"sync"
	"time"
)

// Window remembers when each key was last let through.
type Window struct {
	last       map[string]time.Time
	mu         sync.Mutex
	window     time.Duration
	cleanupAge time.Duration
	maxSize    int
}

// NewWindow creates a Window. Once more than maxSize keys are tracked, keys
// older than cleanupAge are forgotten.
func NewWindow(window, cleanupAge time.Duration, maxSize int) *Window {
	return &Window{
		last:       make(map[string]time.Time),
		window:     window,
		cleanupAge: cleanupAge,
		maxSize:    maxSize,
	}
}

// Allow reports whether key should be handled at time t. It returns false
// when the same key was allowed less than one window earlier.
// Safe for concurrent use.
func (w *Window) Allow(key string, t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.last[key]; ok && t.Sub(prev) < w.window {
		return false
	}
	w.last[key] = t

	if len(w.last) > w.maxSize {
		cutoff := t.Add(-w.cleanupAge)
		for k, ts := range w.last {
			if ts.Before(cutoff) {
				delete(w.last, k)
			}
		}
	}
	return true
}

// Forget drops a key so the next occurrence is allowed immediately.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.last, key)
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.last)
}
