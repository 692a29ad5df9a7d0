package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"relay-go/pkg/errors"
	"relay-go/pkg/models"
)

const shardCount = 32

// Liveness reports how many live sessions the user currently holds. Wired to
// the session registry by the gateway.
type Liveness func(userID string) int

// Notifier receives every presence transition exactly once. The gateway wires
// it to a follower broadcast.
type Notifier func(userID string, status models.PresenceStatus)

type record struct {
	status     models.PresenceStatus
	lastSeenAt time.Time
	expiresAt  time.Time
	sessions   int
	// offlineAt is set when the last session closes; the sweep turns the
	// user offline once it passes. Zero while any session is live.
	offlineAt time.Time
}

type shard struct {
	mu    sync.Mutex
	users map[string]*record
}

// Config holds the tracker's liveness windows.
type Config struct {
	TTL             time.Duration
	DisconnectGrace time.Duration
	SweepInterval   time.Duration
}

// Tracker aggregates session-level connect/disconnect signals into user-level
// presence. Offline detection is sweep-driven: the disconnect grace window
// absorbs reconnect flicker, and the heartbeat TTL reclaims users whose
// connection vanished without a clean disconnect.
type Tracker struct {
	cfg      Config
	liveness Liveness
	notifier Notifier
	shards   [shardCount]*shard

	// SweepHook, if set, observes the number of users expired per sweep.
	SweepHook func(evicted int)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker creates a presence tracker. The sweep goroutine starts only when
// Start is called.
func NewTracker(cfg Config, liveness Liveness, notifier Notifier) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		liveness: liveness,
		notifier: notifier,
		stop:     make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[string]*record)}
	}
	return t
}

// Start launches the periodic offline sweep.
func (t *Tracker) Start() {
	go t.loop()
}

// Stop terminates the sweep goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// SessionOpened records a new live session for the user. The first session
// (or a reconnect within the grace window) makes the user online.
func (t *Tracker) SessionOpened(userID string) {
	now := time.Now()
	sh := t.shardFor(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok {
		rec = &record{status: models.StatusOffline}
		sh.users[userID] = rec
	}
	rec.sessions++
	rec.offlineAt = time.Time{}
	rec.lastSeenAt = now
	rec.expiresAt = now.Add(t.cfg.TTL)

	old := rec.status
	if old == models.StatusOffline {
		rec.status = models.StatusOnline
	}
	changed := rec.status != old
	status := rec.status
	sh.mu.Unlock()

	if changed {
		t.notify(userID, status)
	}
}

// SessionClosed records that one of the user's sessions went away. When the
// last session closes, the user stays in their current status until the
// disconnect grace elapses; only the sweep flips them offline.
func (t *Tracker) SessionClosed(userID string) {
	sh := t.shardFor(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if ok {
		rec.sessions--
		if rec.sessions <= 0 {
			rec.sessions = 0
			rec.offlineAt = time.Now().Add(t.cfg.DisconnectGrace)
		}
	}
	sh.mu.Unlock()
}

// Heartbeat refreshes the user's liveness window. A user the TTL sweep
// reclaimed while their connection merely went quiet is revived: the message
// proves the session is alive even though no clean reconnect happened.
func (t *Tracker) Heartbeat(userID string) {
	now := time.Now()
	sh := t.shardFor(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if ok {
		rec.lastSeenAt = now
		rec.expiresAt = now.Add(t.cfg.TTL)
		sh.mu.Unlock()
		return
	}

	sessions := t.liveness(userID)
	if sessions == 0 {
		sh.mu.Unlock()
		return
	}
	sh.users[userID] = &record{
		status:     models.StatusOnline,
		lastSeenAt: now,
		expiresAt:  now.Add(t.cfg.TTL),
		sessions:   sessions,
	}
	sh.mu.Unlock()

	t.notify(userID, models.StatusOnline)
}

// SetStatus applies a client-driven transition among {online, away, busy}.
// It is a hint layered on top of liveness: it never refreshes the heartbeat
// TTL, so a stale "away" client still expires to offline.
func (t *Tracker) SetStatus(userID string, status models.PresenceStatus) error {
	switch status {
	case models.StatusOnline, models.StatusAway, models.StatusBusy:
	default:
		return errors.Validation("invalid presence status: " + string(status))
	}

	if t.liveness(userID) == 0 {
		return errors.Validation("cannot set status without a live session")
	}

	sh := t.shardFor(userID)
	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok {
		sh.mu.Unlock()
		return errors.Validation("no presence record for user")
	}
	changed := rec.status != status
	rec.status = status
	sh.mu.Unlock()

	if changed {
		t.notify(userID, status)
	}
	return nil
}

// Status returns the user's current presence, offline if unknown.
func (t *Tracker) Status(userID string) models.PresenceStatus {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.users[userID]; ok {
		return rec.status
	}
	return models.StatusOffline
}

// Record returns a copy of the user's presence record.
func (t *Tracker) Record(userID string) (models.PresenceRecord, bool) {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.users[userID]
	if !ok {
		return models.PresenceRecord{}, false
	}
	return models.PresenceRecord{
		UserID:     userID,
		Status:     rec.status,
		LastSeenAt: rec.lastSeenAt,
		ExpiresAt:  rec.expiresAt,
	}, true
}

// OnlineCount returns the number of users not currently offline.
func (t *Tracker) OnlineCount() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, rec := range sh.users {
			if rec.status != models.StatusOffline {
				total++
			}
		}
		sh.mu.Unlock()
	}
	return total
}

func (t *Tracker) loop() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
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

// sweep flips users offline once their grace window or heartbeat TTL has
// elapsed. The TTL check runs regardless of the session count so that
// connections that vanished without a clean disconnect are still reclaimed.
func (t *Tracker) sweep(now time.Time) {
	var expired []string

	for _, sh := range t.shards {
		sh.mu.Lock()
		for userID, rec := range sh.users {
			graceElapsed := rec.sessions == 0 && !rec.offlineAt.IsZero() && !now.Before(rec.offlineAt)
			ttlElapsed := !now.Before(rec.expiresAt)
			if graceElapsed || ttlElapsed {
				delete(sh.users, userID)
				expired = append(expired, userID)
			}
		}
		sh.mu.Unlock()
	}

	for _, userID := range expired {
		t.notify(userID, models.StatusOffline)
	}
	if t.SweepHook != nil {
		t.SweepHook(len(expired))
	}
}

func (t *Tracker) notify(userID string, status models.PresenceStatus) {
	if t.notifier != nil {
		t.notifier(userID, status)
	}
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}
