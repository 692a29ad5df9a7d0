package models

import "time"

// Identity is the result of resolving a handshake credential. It is produced
// by the external identity collaborator and cached on the session.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Banned   bool   `json:"banned"`
}

// Session represents one authenticated live connection. A user may hold
// several sessions (multiple tabs or devices) at the same time.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}
