package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
)

// MemoryTokenBucket is the single-process limiter used when no Redis is
// configured. It follows the same refill rules as RedisTokenBucket.
type MemoryTokenBucket struct {
	mu          sync.Mutex
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	buckets     map[string]*bucket
	now         func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func NewMemoryTokenBucket(capacity int, window time.Duration) (*MemoryTokenBucket, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	windowMS := window.Milliseconds()
	if windowMS < 1 {
		windowMS = 1
	}
	return &MemoryTokenBucket{
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(windowMS),
		ttl:         2 * window,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}, nil
}

func (l *MemoryTokenBucket) AllowN(_ context.Context, subject string, n int64) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	n = clampCost(n, l.capacity)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)

	b, ok := l.buckets[subject]
	if !ok {
		b = &bucket{tokens: float64(l.capacity), seen: now}
		l.buckets[subject] = b
	}
	elapsed := math.Max(0, float64(now.Sub(b.seen).Milliseconds()))
	b.tokens = math.Min(float64(l.capacity), b.tokens+elapsed*l.refillPerMS)
	b.seen = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return Decision{Allowed: true, Remaining: int64(math.Floor(b.tokens))}, nil
	}
	wait := math.Ceil((float64(n) - b.tokens) / l.refillPerMS)
	return Decision{
		Allowed:    false,
		Remaining:  int64(math.Floor(b.tokens)),
		RetryAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}

// evict drops buckets idle long enough to have refilled completely.
func (l *MemoryTokenBucket) evict(now time.Time) {
	for subject, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, subject)
		}
	}
}
