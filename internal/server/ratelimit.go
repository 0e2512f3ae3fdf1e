package server

import (
	"sync"
	"time"
)

// RateLimitConfig bounds the HTTP surface. The global bucket covers every
// request; the connect limiter throttles websocket handshakes per client IP
// so a reconnect storm cannot exhaust the registry. When a Redis address is
// configured the connect counters are shared across replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global         *tokenBucket
	connectLimit   int
	connectWindow  time.Duration
	connectMu      sync.Mutex
	connectBuckets map[string]*ipLimiter
	store          tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:   cfg.ConnectLimit,
		connectWindow:  cfg.ConnectWindow,
		connectBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.connectLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowConnect(key string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow("streamhub:connect:"+key, r.connectLimit, r.connectWindow)
	}
	r.connectMu.Lock()
	bucket, exists := r.connectBuckets[key]
	if !exists {
		rate := float64(r.connectLimit) / r.connectWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.connectWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.connectLimit)}
		r.connectBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.connectMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.connectBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, bucket := range r.connectBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.connectBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
