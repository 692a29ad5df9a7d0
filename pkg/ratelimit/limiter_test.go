package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitThenReject(t *testing.T) {
	l := NewLimiter(0)
	defer l.Close()

	limit := 5
	window := time.Second

	for i := 0; i < limit; i++ {
		res := l.Check("user1", "room:join", limit, window)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, limit-i-1, res.Remaining)
	}

	res := l.Check("user1", "room:join", limit, window)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.False(t, res.ResetAt.IsZero())
}

func TestWindowResets(t *testing.T) {
	l := NewLimiter(0)
	defer l.Close()

	window := 50 * time.Millisecond
	assert.True(t, l.Check("user1", "typing:start", 1, window).Allowed)
	assert.False(t, l.Check("user1", "typing:start", 1, window).Allowed)

	time.Sleep(window + 10*time.Millisecond)
	assert.True(t, l.Check("user1", "typing:start", 1, window).Allowed)
}

func TestNamespacesAreIndependent(t *testing.T) {
	l := NewLimiter(0)
	defer l.Close()

	assert.True(t, l.Check("user1", "room:join", 1, time.Second).Allowed)
	assert.False(t, l.Check("user1", "room:join", 1, time.Second).Allowed)

	// Same identity, different namespace: untouched bucket.
	assert.True(t, l.Check("user1", "room:leave", 1, time.Second).Allowed)
	// Same namespace, different identity: untouched bucket.
	assert.True(t, l.Check("user2", "room:join", 1, time.Second).Allowed)
}

func TestConcurrentChecks(t *testing.T) {
	l := NewLimiter(0)
	defer l.Close()

	const workers = 20
	const limit = 100

	var wg sync.WaitGroup
	allowed := make([]int, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if l.Check("shared", "broadcast", limit, time.Minute).Allowed {
					allowed[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	assert.Equal(t, limit, total, "exactly limit checks may pass in one window")
}

func TestJanitorPrunesStaleBuckets(t *testing.T) {
	l := NewLimiter(10 * time.Millisecond)
	defer l.Close()

	for i := 0; i < 50; i++ {
		l.Check(fmt.Sprintf("user%d", i), "ping", 10, 5*time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)

	remaining := 0
	for _, s := range l.shards {
		s.mu.Lock()
		remaining += len(s.buckets)
		s.mu.Unlock()
	}
	assert.Zero(t, remaining)
}

func TestJanitorKeepsActiveBuckets(t *testing.T) {
	// Janitor runs far more often than the window elapses; a mid-window
	// bucket must keep its count.
	l := NewLimiter(5 * time.Millisecond)
	defer l.Close()

	window := time.Minute
	assert.True(t, l.Check("user1", "room:join", 1, window).Allowed)
	assert.False(t, l.Check("user1", "room:join", 1, window).Allowed)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, l.Check("user1", "room:join", 1, window).Allowed,
		"janitor must not reset an active window")
}
