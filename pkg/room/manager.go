package room

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"relay-go/pkg/backplane"
	"relay-go/pkg/errors"
	"relay-go/pkg/logging"
)

const shardCount = 32

// maxRoomNameLen bounds client-supplied room names.
const maxRoomNameLen = 128

// Event is a server-to-client event scoped to a room.
type Event struct {
	Kind    string          `json:"kind"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Delivery hands events to locally connected sessions. Implementations must
// enqueue asynchronously and never block the broadcasting goroutine.
type Delivery interface {
	Deliver(sessionID string, ev Event)
}

// wireMessage is the backplane envelope. Origin lets instances skip their own
// publishes, whose local fan-out already happened.
type wireMessage struct {
	Origin  string          `json:"origin"`
	Kind    string          `json:"kind"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type shard struct {
	mu sync.RWMutex
	// room -> sessionID -> userID
	rooms map[string]map[string]string
}

type indexShard struct {
	mu sync.Mutex
	// sessionID -> set of rooms, for disconnect cleanup
	sessions map[string]map[string]struct{}
	// userID -> room -> membership count, for reconnect replay
	users map[string]map[string]int
}

// Manager owns dynamic named rooms and their local fan-out. Rooms are created
// lazily on first join and deleted once empty; a room's backplane channel is
// subscribed only while the room has local members.
type Manager struct {
	origin          string
	channelPrefix   string
	allowedPrefixes []string
	bp              backplane.Backplane
	delivery        Delivery
	log             *logging.Logger

	shards  [shardCount]*shard
	indexes [shardCount]*indexShard
	rooms   atomic.Int64

	// OnBackplaneError, if set, observes publish failures (after the
	// manager has already degraded to local-only delivery).
	OnBackplaneError func(error)
}

// NewManager creates a room manager. origin must be unique per process
// instance.
func NewManager(origin, channelPrefix string, allowedPrefixes []string, bp backplane.Backplane, delivery Delivery, log *logging.Logger) *Manager {
	m := &Manager{
		origin:          origin,
		channelPrefix:   channelPrefix,
		allowedPrefixes: allowedPrefixes,
		bp:              bp,
		delivery:        delivery,
		log:             log,
	}
	for i := range m.shards {
		m.shards[i] = &shard{rooms: make(map[string]map[string]string)}
		m.indexes[i] = &indexShard{
			sessions: make(map[string]map[string]struct{}),
			users:    make(map[string]map[string]int),
		}
	}
	return m
}

// Validate checks a client-supplied room name against the allow-list. Names
// have the form "<prefix>:<id>" with a whitelisted prefix.
func (m *Manager) Validate(room string) error {
	if room == "" || len(room) > maxRoomNameLen {
		return errors.Authorization("room name not allowed")
	}
	prefix, id, ok := strings.Cut(room, ":")
	if !ok || id == "" {
		return errors.Authorization("room name not allowed: " + room)
	}
	for _, allowed := range m.allowedPrefixes {
		if prefix == allowed {
			return nil
		}
	}
	return errors.Authorization("room name not allowed: " + room)
}

// Join adds the session to the room, creating it and subscribing its
// backplane channel when it is the first local member. Joining a room twice
// is a no-op.
func (m *Manager) Join(sessionID, userID, room string) error {
	if err := m.Validate(room); err != nil {
		return err
	}

	sh := m.shardFor(room)
	sh.mu.Lock()
	members, ok := sh.rooms[room]
	created := false
	if !ok {
		members = make(map[string]string)
		sh.rooms[room] = members
		created = true
	}
	_, already := members[sessionID]
	members[sessionID] = userID

	if created {
		m.rooms.Add(1)
		if err := m.bp.Subscribe(m.channel(room), m.handleRemote); err != nil {
			m.log.Warn("backplane subscribe failed, room is local-only",
				zap.String("room", room), zap.Error(err))
			m.reportBackplaneError(err)
		}
	}
	sh.mu.Unlock()

	if !already {
		m.indexAdd(sessionID, userID, room)
	}
	return nil
}

// Leave removes the session from the room. The room record is deleted and
// its backplane channel unsubscribed once the last local member is gone.
// Returns false when the session was not a member.
func (m *Manager) Leave(sessionID, room string) bool {
	sh := m.shardFor(room)
	sh.mu.Lock()
	members, ok := sh.rooms[room]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	userID, ok := members[sessionID]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(sh.rooms, room)
		m.rooms.Add(-1)
		if err := m.bp.Unsubscribe(m.channel(room)); err != nil {
			m.log.Warn("backplane unsubscribe failed",
				zap.String("room", room), zap.Error(err))
			m.reportBackplaneError(err)
		}
	}
	sh.mu.Unlock()

	m.indexRemove(sessionID, userID, room)
	return true
}

// LeaveAll removes the session from every room it joined and returns those
// rooms, so the caller can broadcast departures. Idempotent.
func (m *Manager) LeaveAll(sessionID string) []string {
	idx := m.indexFor(sessionID)
	idx.mu.Lock()
	set := idx.sessions[sessionID]
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	idx.mu.Unlock()

	left := rooms[:0]
	for _, room := range rooms {
		if m.Leave(sessionID, room) {
			left = append(left, room)
		}
	}
	return left
}

// RoomsOfUser returns the rooms any of the user's sessions are members of.
// Used to replay memberships onto a reconnecting session.
func (m *Manager) RoomsOfUser(userID string) []string {
	idx := m.indexFor(userID)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	counts := idx.users[userID]
	rooms := make([]string, 0, len(counts))
	for room := range counts {
		rooms = append(rooms, room)
	}
	return rooms
}

// UserInRoom reports whether any of the user's sessions is a room member.
func (m *Manager) UserInRoom(userID, room string) bool {
	idx := m.indexFor(userID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.users[userID][room] > 0
}

// IsMember reports whether the session currently belongs to the room.
func (m *Manager) IsMember(sessionID, room string) bool {
	sh := m.shardFor(room)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.rooms[room][sessionID]
	return ok
}

// MemberCount returns the number of local members in the room.
func (m *Manager) MemberCount(room string) int {
	sh := m.shardFor(room)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.rooms[room])
}

// RoomCount returns the number of rooms with at least one local member.
func (m *Manager) RoomCount() int64 {
	return m.rooms.Load()
}

// Broadcast fans an event out to the room's local members and publishes it on
// the backplane for members connected to other instances. A backplane failure
// degrades to local-only delivery; it never fails the broadcast.
func (m *Manager) Broadcast(room, kind string, payload interface{}) error {
	return m.BroadcastExcept(room, kind, payload, "")
}

// BroadcastExcept is Broadcast minus one local session, for events the
// originating session already learns through its own ack. The exclusion only
// applies on this instance; the excluded session cannot be a member elsewhere.
func (m *Manager) BroadcastExcept(room, kind string, payload interface{}, skipSessionID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Internal("marshal broadcast payload", err)
	}

	ev := Event{Kind: kind, Room: room, Payload: raw}
	m.deliverLocal(ev, skipSessionID)

	wire, err := json.Marshal(wireMessage{
		Origin:  m.origin,
		Kind:    kind,
		Room:    room,
		Payload: raw,
	})
	if err != nil {
		return errors.Internal("marshal backplane message", err)
	}

	if err := m.bp.Publish(context.Background(), m.channel(room), wire); err != nil {
		m.log.Warn("backplane publish failed, delivered local-only",
			zap.String("room", room), zap.String("kind", kind), zap.Error(err))
		m.reportBackplaneError(err)
	}
	return nil
}

// handleRemote delivers backplane events originating from other instances to
// local room members. Own-origin messages are skipped: their local fan-out
// already happened in Broadcast.
func (m *Manager) handleRemote(_ string, payload []byte) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		m.log.Warn("dropping malformed backplane message", zap.Error(err))
		return
	}
	if wire.Origin == m.origin {
		return
	}
	m.deliverLocal(Event{Kind: wire.Kind, Room: wire.Room, Payload: wire.Payload}, "")
}

func (m *Manager) deliverLocal(ev Event, skipSessionID string) {
	sh := m.shardFor(ev.Room)
	sh.mu.RLock()
	members := sh.rooms[ev.Room]
	sessionIDs := make([]string, 0, len(members))
	for sessionID := range members {
		if sessionID == skipSessionID {
			continue
		}
		sessionIDs = append(sessionIDs, sessionID)
	}
	sh.mu.RUnlock()

	for _, sessionID := range sessionIDs {
		m.delivery.Deliver(sessionID, ev)
	}
}

func (m *Manager) indexAdd(sessionID, userID, room string) {
	sidx := m.indexFor(sessionID)
	sidx.mu.Lock()
	set, ok := sidx.sessions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		sidx.sessions[sessionID] = set
	}
	set[room] = struct{}{}
	sidx.mu.Unlock()

	uidx := m.indexFor(userID)
	uidx.mu.Lock()
	counts, ok := uidx.users[userID]
	if !ok {
		counts = make(map[string]int)
		uidx.users[userID] = counts
	}
	counts[room]++
	uidx.mu.Unlock()
}

func (m *Manager) indexRemove(sessionID, userID, room string) {
	sidx := m.indexFor(sessionID)
	sidx.mu.Lock()
	if set, ok := sidx.sessions[sessionID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(sidx.sessions, sessionID)
		}
	}
	sidx.mu.Unlock()

	uidx := m.indexFor(userID)
	uidx.mu.Lock()
	if counts, ok := uidx.users[userID]; ok {
		counts[room]--
		if counts[room] <= 0 {
			delete(counts, room)
		}
		if len(counts) == 0 {
			delete(uidx.users, userID)
		}
	}
	uidx.mu.Unlock()
}

func (m *Manager) channel(room string) string {
	return m.channelPrefix + ":" + room
}

func (m *Manager) reportBackplaneError(err error) {
	if m.OnBackplaneError != nil {
		m.OnBackplaneError(err)
	}
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Manager) indexFor(key string) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.indexes[h.Sum32()%shardCount]
}
