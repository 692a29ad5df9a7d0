package gateway

import (
	"encoding/json"
	stderrors "errors"

	"relay-go/pkg/errors"
	"relay-go/pkg/models"
)

// Client-to-server message kinds. This set is closed: anything else is a
// protocol violation.
const (
	KindPing           = "ping"
	KindRoomJoin       = "room:join"
	KindRoomLeave      = "room:leave"
	KindTypingStart    = "typing:start"
	KindTypingStop     = "typing:stop"
	KindPresenceUpdate = "presence:update"
)

// Server-to-client message kinds.
const (
	KindWelcome         = "welcome"
	KindPong            = "pong"
	KindRoomJoined      = "room:joined"
	KindRoomLeft        = "room:left"
	KindMemberJoined    = "room:memberJoined"
	KindMemberLeft      = "room:memberLeft"
	KindPresenceChanged = "presence:changed"
	KindTypingUpdate    = "typing:update"
	KindRateLimited     = "rateLimit:rejected"
	KindError           = "error"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload is the payload of room:join, room:leave, typing:start and
// typing:stop.
type RoomPayload struct {
	Room string `json:"room"`
}

// PresenceUpdatePayload is the payload of presence:update.
type PresenceUpdatePayload struct {
	Status string `json:"status"`
}

// WelcomePayload greets a freshly connected session.
type WelcomePayload struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Rooms     []string `json:"rooms"`
}

// MemberPayload announces a member joining or leaving a room.
type MemberPayload struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	MemberCount int    `json:"member_count"`
}

// PresenceChangedPayload announces a presence transition to followers.
type PresenceChangedPayload struct {
	UserID string                `json:"user_id"`
	Status models.PresenceStatus `json:"status"`
}

// TypingUpdatePayload carries the full typing state of a room.
type TypingUpdatePayload struct {
	Room   string               `json:"room"`
	Typing []models.TypingEntry `json:"typing"`
}

// RateLimitedPayload tells the client when to retry.
type RateLimitedPayload struct {
	Kind         string `json:"kind"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// ErrorPayload is the wire form of a rejected command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// clientKinds is the closed set of accepted inbound kinds.
var clientKinds = map[string]bool{
	KindPing:           true,
	KindRoomJoin:       true,
	KindRoomLeave:      true,
	KindTypingStart:    true,
	KindTypingStop:     true,
	KindPresenceUpdate: true,
}

// ephemeralKinds are dropped for slow consumers instead of buffered.
var ephemeralKinds = map[string]bool{
	KindPong:            true,
	KindPresenceChanged: true,
	KindTypingUpdate:    true,
}

// decodeEnvelope validates an inbound frame against the closed kind set.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Validation("malformed message envelope")
	}
	if !clientKinds[env.Kind] {
		return nil, errors.Validation("unknown message kind: " + env.Kind)
	}
	return &env, nil
}

// decodeRoomPayload extracts the room field shared by the room and typing
// kinds.
func decodeRoomPayload(env *Envelope) (RoomPayload, error) {
	var p RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Room == "" {
		return p, errors.Validation("payload requires a room field")
	}
	return p, nil
}

// decodePresencePayload extracts the requested status.
func decodePresencePayload(env *Envelope) (PresenceUpdatePayload, error) {
	var p PresenceUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Status == "" {
		return p, errors.Validation("payload requires a status field")
	}
	return p, nil
}

// encodeEvent builds an outbound frame. Marshal failures cannot happen for
// the payload types above, so the error is swallowed into a nil frame the
// send path ignores.
func encodeEvent(kind string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}

// errorEvent builds the wire form of a typed error.
func errorEvent(err error) []byte {
	code := errors.CodeOf(err)
	msg := "internal error"
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		msg = typed.Message
	}
	return encodeEvent(KindError, ErrorPayload{Code: string(code), Message: msg})
}
