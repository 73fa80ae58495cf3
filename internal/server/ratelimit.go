package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WriteLimiterConfig defines the per-client write budget.
type WriteLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// WriteLimiter rate limits write requests per client key.
type WriteLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   WriteLimiterConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWriteLimiter creates a limiter and starts its idle-entry cleanup loop.
func NewWriteLimiter(config WriteLimiterConfig) *WriteLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	wl := &WriteLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	wl.wg.Add(1)
	go wl.cleanupLoop()
	return wl
}

// Allow reports whether a write from key fits the budget.
func (wl *WriteLimiter) Allow(key string) bool {
	wl.mu.Lock()
	entry, ok := wl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(wl.config.RequestsPerSecond), wl.config.Burst)}
		wl.limiters[key] = entry
	}
	entry.lastUsed = time.Now()
	wl.mu.Unlock()
	return entry.limiter.Allow()
}

// Cleanup drops limiters idle for longer than the cleanup interval.
func (wl *WriteLimiter) Cleanup() {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	cutoff := time.Now().Add(-wl.config.CleanupInterval)
	for key, entry := range wl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(wl.limiters, key)
		}
	}
}

func (wl *WriteLimiter) cleanupLoop() {
	defer wl.wg.Done()
	ticker := time.NewTicker(wl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wl.Cleanup()
		case <-wl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (wl *WriteLimiter) Stop() {
	close(wl.stopCh)
	wl.wg.Wait()
}

// Len returns the number of tracked clients.
func (wl *WriteLimiter) Len() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return len(wl.limiters)
}
