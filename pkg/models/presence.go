package models

import "time"

// PresenceStatus represents the status of user presence
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the user-level aggregated presence state. There is at most
// one record per user regardless of how many sessions the user holds.
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// TypingEntry is an ephemeral "is composing" signal scoped to a room. Entries
// are never persisted and are evicted once ExpiresAt passes.
type TypingEntry struct {
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"-"`
}
