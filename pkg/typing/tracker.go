package typing

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"relay-go/pkg/models"
)

const shardCount = 16

// ExpiryFunc is invoked for every entry the sweep evicts, so the gateway can
// broadcast the updated typing state even when a stop signal was lost.
type ExpiryFunc func(entry models.TypingEntry)

type shard struct {
	mu sync.Mutex
	// room -> userID -> entry
	rooms map[string]map[string]*models.TypingEntry
}

// Tracker holds ephemeral per-room typing indicators. A single periodic sweep
// evicts expired entries instead of one timer per entry, bounding timer count.
type Tracker struct {
	ttl           time.Duration
	sweepInterval time.Duration
	onExpire      ExpiryFunc
	shards        [shardCount]*shard

	// SweepHook, if set, observes the number of entries evicted per sweep.
	SweepHook func(evicted int)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker creates a typing tracker. The sweep goroutine starts only when
// Start is called.
func NewTracker(ttl, sweepInterval time.Duration, onExpire ExpiryFunc) *Tracker {
	t := &Tracker{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		onExpire:      onExpire,
		stop:          make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{rooms: make(map[string]map[string]*models.TypingEntry)}
	}
	return t
}

// Start launches the periodic sweep.
func (t *Tracker) Start() {
	go t.loop()
}

// Stop terminates the sweep goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Start inserts or refreshes the (room, user) entry and re-arms its expiry.
func (t *Tracker) StartTyping(room, userID, username string) {
	sh := t.shardFor(room)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	users, ok := sh.rooms[room]
	if !ok {
		users = make(map[string]*models.TypingEntry)
		sh.rooms[room] = users
	}
	users[userID] = &models.TypingEntry{
		Room:      room,
		UserID:    userID,
		Username:  username,
		ExpiresAt: time.Now().Add(t.ttl),
	}
}

// StopTyping removes the entry immediately. Unknown entries are a no-op.
func (t *Tracker) StopTyping(room, userID string) {
	sh := t.shardFor(room)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if users, ok := sh.rooms[room]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(sh.rooms, room)
		}
	}
}

// StopAllForUser clears the user's entries in the given rooms, used during
// disconnect cleanup.
func (t *Tracker) StopAllForUser(userID string, rooms []string) {
	for _, room := range rooms {
		t.StopTyping(room, userID)
	}
}

// Query returns the live entries for a room, sorted by user id for stable
// output.
func (t *Tracker) Query(room string) []models.TypingEntry {
	sh := t.shardFor(room)
	now := time.Now()

	sh.mu.Lock()
	users := sh.rooms[room]
	out := make([]models.TypingEntry, 0, len(users))
	for _, e := range users {
		if now.Before(e.ExpiresAt) {
			out = append(out, *e)
		}
	}
	sh.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the total number of live entries.
func (t *Tracker) Count() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, users := range sh.rooms {
			total += len(users)
		}
		sh.mu.Unlock()
	}
	return total
}

func (t *Tracker) loop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	var expired []models.TypingEntry

	for _, sh := range t.shards {
		sh.mu.Lock()
		for room, users := range sh.rooms {
			for userID, e := range users {
				if !now.Before(e.ExpiresAt) {
					delete(users, userID)
					expired = append(expired, *e)
				}
			}
			if len(users) == 0 {
				delete(sh.rooms, room)
			}
		}
		sh.mu.Unlock()
	}

	for _, e := range expired {
		if t.onExpire != nil {
			t.onExpire(e)
		}
	}
	if t.SweepHook != nil {
		t.SweepHook(len(expired))
	}
}

func (t *Tracker) shardFor(room string) *shard {
	h := fnv.New32a()
	h.Write([]byte(room))
	return t.shards[h.Sum32()%shardCount]
}
