package session

import (
	"hash/fnv"
	"sync"

	"relay-go/pkg/models"
)

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	// userID -> sessionID -> session
	users map[string]map[string]*models.Session
}

// Registry maps user identities to their live sessions. It is sharded by
// userID so that register/remove storms from many connections do not contend
// on one lock.
type Registry struct {
	shards [shardCount]*shard

	// sessionID -> userID, so Remove only needs the session id.
	index sync.Map
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*models.Session)}
	}
	return r
}

// Register adds a session. Registering the same session id twice overwrites
// the previous entry.
func (r *Registry) Register(s *models.Session) {
	sh := r.shardFor(s.UserID)

	sh.mu.Lock()
	sessions, ok := sh.users[s.UserID]
	if !ok {
		sessions = make(map[string]*models.Session)
		sh.users[s.UserID] = sessions
	}
	sessions[s.ID] = s
	sh.mu.Unlock()

	r.index.Store(s.ID, s.UserID)
}

// Remove deletes a session by id and returns it. Removing an unknown session
// is a no-op, which keeps disconnect cleanup idempotent.
func (r *Registry) Remove(sessionID string) (*models.Session, bool) {
	v, ok := r.index.LoadAndDelete(sessionID)
	if !ok {
		return nil, false
	}
	userID := v.(string)

	sh := r.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sessions, ok := sh.users[userID]
	if !ok {
		return nil, false
	}
	s, ok := sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(sh.users, userID)
	}
	return s, true
}

// SessionsOf returns the user's live sessions.
func (r *Registry) SessionsOf(userID string) []*models.Session {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sessions := sh.users[userID]
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user holds at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	return r.CountOf(userID) > 0
}

// CountOf returns the number of live sessions the user holds.
func (r *Registry) CountOf(userID string) int {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[userID])
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sessions := range sh.users {
			total += len(sessions)
		}
		sh.mu.RUnlock()
	}
	return total
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}
