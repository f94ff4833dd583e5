// Package ratelimit holds the fixed-window per-key limiter shared by command dispatch and the socket router
package ratelimit

import (
	"sync"
	"time"
)

// Limiter implements per-key rate limiting
// ARCHITECTURAL DISCOVERY: Per-key state tracking with periodic cleanup prevents memory leaks
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*keyLimit
	now     func() time.Time
}

// keyLimit tracks one key's current window
// FUNCTIONAL DISCOVERY: The window resets a full period after its first request,
// giving an exact "limit per window" ceiling
type keyLimit struct {
	count       int
	windowStart time.Time
}

// New creates a limiter allowing limit requests per window for each key
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*keyLimit),
		now:     time.Now,
	}
}

// Allow reports whether key may make another request and records it if so.
// A limit of zero or less disables limiting.
func (rl *Limiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	entry, exists := rl.clients[key]
	if !exists {
		rl.clients[key] = &keyLimit{count: 1, windowStart: now}
		return true
	}

	if now.Sub(entry.windowStart) >= rl.window {
		entry.count = 1
		entry.windowStart = now
		return true
	}

	if entry.count >= rl.limit {
		return false
	}

	entry.count++
	return true
}

// Forget drops a key's state, e.g. when its connection closes
func (rl *Limiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Cleanup removes entries idle for five windows (call periodically)
func (rl *Limiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, entry := range rl.clients {
		if now.Sub(entry.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}

// Len returns the number of tracked keys
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
