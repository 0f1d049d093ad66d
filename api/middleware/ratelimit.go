package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/internal/metrics"
)

// Rate limiter defaults: each client gets a bucket of 10 tokens refilling at
// 1 token per second.
const (
	DefaultBucketCapacity = 10
	DefaultRefillRate     = 1

	// bucketIdleTTL is how long an untouched bucket survives before the
	// cleanup pass drops it
	bucketIdleTTL = 3 * time.Minute

	cleanupInterval = time.Minute
)

// bucket is a per-client token bucket. Refill is in whole tokens only:
// elapsed time converts to floor(elapsed*rate) tokens, and the refill clock
// advances only when at least one token materializes, so fractional progress
// is never discarded.
type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter admits or rejects requests per client IP
type RateLimiter struct {
	capacity   int
	refillRate int // tokens per second

	mu      sync.Mutex
	buckets map[string]*bucket

	now    func() time.Time
	logger *zap.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewRateLimiter creates a limiter and starts its background cleanup.
// Non-positive capacity or rate fall back to the defaults.
func NewRateLimiter(capacity, refillRate int, logger *zap.Logger) *RateLimiter {
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}
	if refillRate <= 0 {
		refillRate = DefaultRefillRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rl := &RateLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupLoop()
	return rl
}

// Stop terminates the background cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimiter) evictStale() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > bucketIdleTTL {
			delete(rl.buckets, key)
		}
	}
}

// decision is the outcome of one admission check
type decision struct {
	allowed    bool
	remaining  int
	resetAfter int // seconds until the bucket is full again
	retryAfter int // seconds until one token is available; zero when allowed
}

// take runs one admission check for a client, consuming one token on success
func (rl *RateLimiter) take(clientIP string) decision {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[clientIP]
	if !ok {
		b = &bucket{tokens: rl.capacity, lastRefill: now}
		rl.buckets[clientIP] = b
	}
	b.lastSeen = now

	// Refill in whole tokens
	elapsed := now.Sub(b.lastRefill).Seconds()
	if refill := int(elapsed * float64(rl.refillRate)); refill > 0 {
		b.tokens += refill
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastRefill = now
	}

	d := decision{}
	if b.tokens > 0 {
		b.tokens--
		d.allowed = true
	} else {
		// ceil((cost - tokens) / rate) with cost 1 and no tokens left
		d.retryAfter = (1 + rl.refillRate - 1) / rl.refillRate
	}

	d.remaining = b.tokens
	if d.allowed {
		// Time until the bucket is full again
		deficit := rl.capacity - b.tokens
		d.resetAfter = (deficit + rl.refillRate - 1) / rl.refillRate
	} else {
		// A rejected client is told when the next token lands
		d.resetAfter = d.retryAfter
	}
	return d
}

// Handler returns the admission middleware. Every response carries
// X-RateLimit headers; a rejected request gets 429 with a Retry-After hint.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		d := rl.take(clientIP)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.resetAfter))

		if !d.allowed {
			metrics.RateLimitRejections.Inc()
			rl.logger.Warn("rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", r.URL.Path),
				zap.Int("retry_after", d.retryAfter))

			w.Header().Set("Retry-After", strconv.Itoa(d.retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "too many requests",
				"retryAfter": d.retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP returns the client address without the port. RealIP
// middleware upstream already resolved proxy headers into RemoteAddr.
func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
