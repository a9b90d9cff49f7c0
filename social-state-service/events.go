package main

// PresenceMember represents a single member's presence in a room event.
type PresenceMember struct {
	UserId   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// PresenceEvent is the payload delivered on presence.event.{room}. Events that
// carry a full Members snapshot replace the room's presence set; events
// without one are applied as single-user deltas.
type PresenceEvent struct {
	Type    string           `json:"type"` // "join", "leave", "status_change"
	UserId  string           `json:"userId"`
	Room    string           `json:"room"`
	Status  string           `json:"status,omitempty"`
	Members []PresenceMember `json:"members,omitempty"`
}

// ProfileUpdate is the payload delivered on profile.updated.
type ProfileUpdate struct {
	UserId    string `json:"userId"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen"`
}

// TypingEvent is broadcast on typing.event.{room}. Origin identifies the
// service instance that published it so an instance never re-applies its own
// broadcast.
type TypingEvent struct {
	UserId   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room"`
	Action   string `json:"action"` // "start" or "stop"
	Origin   string `json:"origin,omitempty"`
}

// TypingRequest is the payload clients send to typing.start / typing.stop.
type TypingRequest struct {
	UserId   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room"`
}

// TypingQuery is the optional request body for social.typing.{room}. The
// requesting user is excluded from their own view.
type TypingQuery struct {
	UserId string `json:"userId,omitempty"`
}

// SearchRequest is the request body for social.search.
type SearchRequest struct {
	Query string `json:"query"`
}

// ErrorReply is returned on request/reply subjects when a query fails. A store
// failure is never disguised as an empty result.
type ErrorReply struct {
	Error string `json:"error"`
}

const (
	errNotFound         = "not_found"
	errStoreUnavailable = "store_unavailable"
	errBadRequest       = "bad_request"
)
