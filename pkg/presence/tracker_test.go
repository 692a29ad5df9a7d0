package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-go/pkg/errors"
	"relay-go/pkg/models"
)

type transition struct {
	userID string
	status models.PresenceStatus
}

// recorder captures presence notifications for assertions.
type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) notify(userID string, status models.PresenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{userID, status})
}

func (r *recorder) count(userID string, status models.PresenceStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.transitions {
		if tr.userID == userID && tr.status == status {
			n++
		}
	}
	return n
}

func newTestTracker(live map[string]int) (*Tracker, *recorder) {
	rec := &recorder{}
	cfg := Config{
		TTL:             time.Minute,
		DisconnectGrace: 10 * time.Second,
		SweepInterval:   time.Second,
	}
	liveness := func(userID string) int { return live[userID] }
	return NewTracker(cfg, liveness, rec.notify), rec
}

func TestConnectMakesOnline(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")
	assert.Equal(t, models.StatusOnline, tracker.Status("alice"))
	assert.Equal(t, 1, rec.count("alice", models.StatusOnline))

	// Second device does not re-announce.
	tracker.SessionOpened("alice")
	assert.Equal(t, 1, rec.count("alice", models.StatusOnline))
	assert.Equal(t, 1, tracker.OnlineCount())
}

func TestTwoDevicesGraceThenOffline(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")
	tracker.SessionOpened("alice")

	// First device disconnects: still online, no offline pending.
	tracker.SessionClosed("alice")
	tracker.sweep(time.Now().Add(time.Minute / 2))
	assert.Equal(t, models.StatusOnline, tracker.Status("alice"))

	// Second device disconnects: offline only after grace elapses.
	tracker.SessionClosed("alice")
	tracker.sweep(time.Now().Add(5 * time.Second))
	assert.Equal(t, models.StatusOnline, tracker.Status("alice"))

	tracker.sweep(time.Now().Add(11 * time.Second))
	assert.Equal(t, models.StatusOffline, tracker.Status("alice"))
	assert.Equal(t, 1, rec.count("alice", models.StatusOffline))

	// A later sweep must not announce offline again.
	tracker.sweep(time.Now().Add(time.Minute))
	assert.Equal(t, 1, rec.count("alice", models.StatusOffline))
}

func TestReconnectWithinGraceCancelsOffline(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")
	tracker.SessionClosed("alice")
	tracker.SessionOpened("alice") // flicker reconnect

	tracker.sweep(time.Now().Add(30 * time.Second))
	assert.Equal(t, models.StatusOnline, tracker.Status("alice"))
	assert.Zero(t, rec.count("alice", models.StatusOffline))
	// Still the single online announcement from the first connect.
	assert.Equal(t, 1, rec.count("alice", models.StatusOnline))
}

func TestTTLExpiryForcesOffline(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")

	// No heartbeat: the TTL reclaims the user even though the session was
	// never cleanly closed.
	tracker.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, models.StatusOffline, tracker.Status("alice"))
	assert.Equal(t, 1, rec.count("alice", models.StatusOffline))
}

func TestHeartbeatExtendsTTL(t *testing.T) {
	tracker, _ := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")
	time.Sleep(5 * time.Millisecond)
	tracker.Heartbeat("alice")

	rec, ok := tracker.Record("alice")
	require.True(t, ok)
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(time.Minute-time.Second)))
}

func TestHeartbeatRevivesSweptUser(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")

	// The TTL sweep reclaims alice while her session merely went quiet.
	tracker.sweep(time.Now().Add(2 * time.Minute))
	require.Equal(t, models.StatusOffline, tracker.Status("alice"))

	// Her next message proves the session is alive and brings her back.
	tracker.Heartbeat("alice")
	assert.Equal(t, models.StatusOnline, tracker.Status("alice"))
	assert.Equal(t, 2, rec.count("alice", models.StatusOnline))

	// The revived record winds down normally on disconnect.
	tracker.SessionClosed("alice")
	tracker.sweep(time.Now().Add(11 * time.Second))
	assert.Equal(t, models.StatusOffline, tracker.Status("alice"))
}

func TestHeartbeatIgnoresUnknownUserWithoutSessions(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"ghost": 0})

	tracker.Heartbeat("ghost")
	assert.Equal(t, models.StatusOffline, tracker.Status("ghost"))
	assert.Empty(t, rec.transitions)
}

func TestSetStatus(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1, "ghost": 0})

	tracker.SessionOpened("alice")

	require.NoError(t, tracker.SetStatus("alice", models.StatusAway))
	assert.Equal(t, models.StatusAway, tracker.Status("alice"))
	assert.Equal(t, 1, rec.count("alice", models.StatusAway))

	// Re-applying the same status is not re-broadcast.
	require.NoError(t, tracker.SetStatus("alice", models.StatusAway))
	assert.Equal(t, 1, rec.count("alice", models.StatusAway))

	err := tracker.SetStatus("alice", models.StatusOffline)
	assert.True(t, errors.Is(err, errors.CodeValidation))

	err = tracker.SetStatus("ghost", models.StatusBusy)
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestAwayHintDoesNotBlockTTLOffline(t *testing.T) {
	tracker, rec := newTestTracker(map[string]int{"alice": 1})

	tracker.SessionOpened("alice")
	require.NoError(t, tracker.SetStatus("alice", models.StatusAway))

	tracker.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, models.StatusOffline, tracker.Status("alice"))
	assert.Equal(t, 1, rec.count("alice", models.StatusOffline))
}

func TestSweepHookReportsEvictions(t *testing.T) {
	tracker, _ := newTestTracker(map[string]int{})

	evicted := 0
	tracker.SweepHook = func(n int) { evicted += n }

	tracker.SessionOpened("a")
	tracker.SessionOpened("b")
	tracker.sweep(time.Now().Add(2 * time.Minute))

	assert.Equal(t, 2, evicted)
}
