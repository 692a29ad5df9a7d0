package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Result is the outcome of a single rate limit check. A rejection is a value,
// never an error: one throttled command must not abort unrelated work on the
// same connection.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter implements fixed-window counters scoped per (identity, namespace).
// Buckets live in sharded maps to bound lock contention under many concurrent
// connections.
type Limiter struct {
	shards [shardCount]*shard

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLimiter creates a limiter. janitorInterval controls how often stale
// buckets are pruned; pass 0 to disable the janitor (tests).
func NewLimiter(janitorInterval time.Duration) *Limiter {
	l := &Limiter{stop: make(chan struct{})}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	if janitorInterval > 0 {
		go l.janitor(janitorInterval)
	}
	return l
}

// Check consumes one unit from the (identity, namespace) bucket and reports
// whether the call is allowed within the current window.
func (l *Limiter) Check(identity, namespace string, limit int, window time.Duration) Result {
	key := identity + "\x00" + namespace
	s := l.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now, window: window}
		s.buckets[key] = b
	}

	resetAt := b.windowStart.Add(window)

	if b.count >= limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	b.count++
	return Result{
		Allowed:   true,
		Remaining: limit - b.count,
		ResetAt:   resetAt,
	}
}

// Close stops the janitor goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// janitor prunes buckets whose own window has ended. An expired window resets
// lazily on the next Check anyway, so pruning is purely a memory bound; a
// bucket mid-window must never be touched, or its count would restart at zero.
func (l *Limiter) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range l.shards {
				s.mu.Lock()
				for key, b := range s.buckets {
					if now.Sub(b.windowStart) >= b.window {
						delete(s.buckets, key)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
