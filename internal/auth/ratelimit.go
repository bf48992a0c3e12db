package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Lockout configuration
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

type failureWindow struct {
	count     int
	firstFail time.Time
}

// RateLimiter locks out clients after repeated failed logins or bad tokens.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*failureWindow
	config   RateLimiterConfig
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop. Call
// Stop to end it.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	rl := &RateLimiter{
		failures: make(map[string]*failureWindow),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *RateLimiter) removeExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, w := range rl.failures {
		if rl.expired(w, now) {
			delete(rl.failures, ip)
		}
	}
}

func (rl *RateLimiter) expired(w *failureWindow, now time.Time) bool {
	return now.Sub(w.firstFail) > rl.config.Window
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// IsLimited reports whether ip reached the failure limit within the window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	w, ok := rl.failures[ip]
	if !ok || rl.expired(w, rl.now()) {
		return false
	}
	return w.count >= rl.config.MaxFailedAttempts
}

// RecordFailure counts a failed attempt for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.failures[ip]
	if !ok || rl.expired(w, now) {
		rl.failures[ip] = &failureWindow{count: 1, firstFail: now}
		return
	}
	w.count++
}

// Reset clears the failures recorded for ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetClientIP returns the originating client address, preferring
// X-Forwarded-For and X-Real-IP over the socket address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
