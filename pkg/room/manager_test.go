package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-go/pkg/backplane"
	"relay-go/pkg/errors"
	"relay-go/pkg/logging"
)

// fakeDelivery records delivered events per session.
type fakeDelivery struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{events: make(map[string][]Event)}
}

func (d *fakeDelivery) Deliver(sessionID string, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[sessionID] = append(d.events[sessionID], ev)
}

func (d *fakeDelivery) eventsFor(sessionID string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events[sessionID]...)
}

// trackingBackplane wraps the in-memory backplane and records channel
// subscription changes.
type trackingBackplane struct {
	*backplane.Memory
	mu         sync.Mutex
	subscribed map[string]bool
}

func newTrackingBackplane() *trackingBackplane {
	return &trackingBackplane{
		Memory:     backplane.NewMemory(),
		subscribed: make(map[string]bool),
	}
}

func (b *trackingBackplane) Subscribe(channel string, h backplane.Handler) error {
	b.mu.Lock()
	b.subscribed[channel] = true
	b.mu.Unlock()
	return b.Memory.Subscribe(channel, h)
}

func (b *trackingBackplane) Unsubscribe(channel string) error {
	b.mu.Lock()
	b.subscribed[channel] = false
	b.mu.Unlock()
	return b.Memory.Unsubscribe(channel)
}

func (b *trackingBackplane) isSubscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed[channel]
}

func newTestManager(origin string, bp backplane.Backplane, d Delivery) *Manager {
	return NewManager(origin, "relay", []string{"user", "post", "live"}, bp, d, logging.NewNop())
}

func TestJoinValidatesAllowList(t *testing.T) {
	m := newTestManager("i1", backplane.NewMemory(), newFakeDelivery())

	require.NoError(t, m.Join("s1", "alice", "post:42"))
	require.NoError(t, m.Join("s1", "alice", "user:alice"))
	require.NoError(t, m.Join("s1", "alice", "live:7"))

	for _, name := range []string{"random-string", "admin:1", "post:", "", "post"} {
		err := m.Join("s1", "alice", name)
		assert.True(t, errors.Is(err, errors.CodeAuthorization), "room %q", name)
	}
	// Rejected joins must not create rooms.
	assert.Equal(t, int64(3), m.RoomCount())
}

func TestTwoClientsJoinAndLeave(t *testing.T) {
	d := newFakeDelivery()
	m := newTestManager("i1", backplane.NewMemory(), d)

	require.NoError(t, m.Join("s1", "alice", "post:42"))
	assert.Equal(t, 1, m.MemberCount("post:42"))

	require.NoError(t, m.Join("s2", "bob", "post:42"))
	assert.Equal(t, 2, m.MemberCount("post:42"))

	require.NoError(t, m.Broadcast("post:42", "room:memberJoined", map[string]string{"user_id": "bob"}))
	require.Len(t, d.eventsFor("s1"), 1)
	assert.Equal(t, "room:memberJoined", d.eventsFor("s1")[0].Kind)

	assert.True(t, m.Leave("s1", "post:42"))
	assert.Equal(t, 1, m.MemberCount("post:42"))
	assert.False(t, m.Leave("s1", "post:42"), "leave is idempotent")
}

func TestEmptyRoomIsDeletedAndUnsubscribed(t *testing.T) {
	bp := newTrackingBackplane()
	m := newTestManager("i1", bp, newFakeDelivery())

	require.NoError(t, m.Join("s1", "alice", "post:42"))
	assert.True(t, bp.isSubscribed("relay:post:42"))
	assert.Equal(t, int64(1), m.RoomCount())

	m.Leave("s1", "post:42")
	assert.False(t, bp.isSubscribed("relay:post:42"))
	assert.Equal(t, int64(0), m.RoomCount())
	assert.Zero(t, m.MemberCount("post:42"))
}

func TestLeaveAll(t *testing.T) {
	m := newTestManager("i1", backplane.NewMemory(), newFakeDelivery())

	require.NoError(t, m.Join("s1", "alice", "post:1"))
	require.NoError(t, m.Join("s1", "alice", "post:2"))
	require.NoError(t, m.Join("s2", "bob", "post:2"))

	left := m.LeaveAll("s1")
	assert.ElementsMatch(t, []string{"post:1", "post:2"}, left)
	assert.Zero(t, m.MemberCount("post:1"))
	assert.Equal(t, 1, m.MemberCount("post:2"))

	assert.Empty(t, m.LeaveAll("s1"), "second cleanup is a no-op")
}

func TestRoomsOfUserTracksAllSessions(t *testing.T) {
	m := newTestManager("i1", backplane.NewMemory(), newFakeDelivery())

	require.NoError(t, m.Join("s1", "alice", "post:1"))
	require.NoError(t, m.Join("s2", "alice", "post:1"))
	require.NoError(t, m.Join("s2", "alice", "post:2"))

	assert.ElementsMatch(t, []string{"post:1", "post:2"}, m.RoomsOfUser("alice"))

	// One device leaving keeps the membership alive for replay.
	m.LeaveAll("s2")
	assert.ElementsMatch(t, []string{"post:1"}, m.RoomsOfUser("alice"))

	m.LeaveAll("s1")
	assert.Empty(t, m.RoomsOfUser("alice"))
}

func TestBroadcastExceptSkipsOriginSession(t *testing.T) {
	d := newFakeDelivery()
	m := newTestManager("i1", backplane.NewMemory(), d)

	require.NoError(t, m.Join("s1", "alice", "post:1"))
	require.NoError(t, m.Join("s2", "bob", "post:1"))

	require.NoError(t, m.BroadcastExcept("post:1", "room:memberJoined",
		map[string]string{"user_id": "bob"}, "s2"))

	require.Len(t, d.eventsFor("s1"), 1)
	assert.Empty(t, d.eventsFor("s2"), "originating session hears its ack, not the broadcast")
}

func TestUserInRoomAcrossSessions(t *testing.T) {
	m := newTestManager("i1", backplane.NewMemory(), newFakeDelivery())

	require.NoError(t, m.Join("s1", "alice", "post:1"))
	require.NoError(t, m.Join("s2", "alice", "post:1"))
	assert.True(t, m.UserInRoom("alice", "post:1"))

	m.Leave("s1", "post:1")
	assert.True(t, m.UserInRoom("alice", "post:1"), "second device still sustains membership")

	m.Leave("s2", "post:1")
	assert.False(t, m.UserInRoom("alice", "post:1"))
}

func TestCrossInstanceBroadcast(t *testing.T) {
	// Two managers sharing one backplane stand in for two processes.
	bp := backplane.NewMemory()
	d1 := newFakeDelivery()
	d2 := newFakeDelivery()
	m1 := newTestManager("instance-1", bp, d1)
	m2 := newTestManager("instance-2", bp, d2)

	require.NoError(t, m1.Join("s1", "alice", "post:42"))
	require.NoError(t, m2.Join("s2", "bob", "post:42"))

	require.NoError(t, m1.Broadcast("post:42", "typing:update", map[string]string{"user_id": "alice"}))

	// Local member got it once via local fan-out, remote member via the
	// backplane; the origin tag prevents a duplicate on instance 1.
	require.Len(t, d1.eventsFor("s1"), 1)
	require.Len(t, d2.eventsFor("s2"), 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(d2.eventsFor("s2")[0].Payload, &payload))
	assert.Equal(t, "alice", payload["user_id"])

	// And the reverse direction.
	require.NoError(t, m2.Broadcast("post:42", "typing:update", map[string]string{"user_id": "bob"}))
	require.Len(t, d1.eventsFor("s1"), 2)
	require.Len(t, d2.eventsFor("s2"), 2)
}

func TestBroadcastSurvivesBackplaneFailure(t *testing.T) {
	d := newFakeDelivery()
	m := newTestManager("i1", &failingBackplane{}, d)

	var reported error
	m.OnBackplaneError = func(err error) { reported = err }

	require.NoError(t, m.Join("s1", "alice", "post:42"))
	require.NoError(t, m.Broadcast("post:42", "room:memberJoined", map[string]string{"user_id": "alice"}))

	// Local delivery still happened.
	require.Len(t, d.eventsFor("s1"), 1)
	assert.True(t, errors.Is(reported, errors.CodeBackplaneUnavailable))
}

// failingBackplane rejects every operation.
type failingBackplane struct{}

func (f *failingBackplane) Publish(context.Context, string, []byte) error {
	return errors.Backplane("publish failed", nil)
}

func (f *failingBackplane) Subscribe(string, backplane.Handler) error {
	return errors.Backplane("subscribe failed", nil)
}

func (f *failingBackplane) Unsubscribe(string) error {
	return errors.Backplane("unsubscribe failed", nil)
}

func (f *failingBackplane) Close() error { return nil }
