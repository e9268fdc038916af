package store

// SessionState is the lifecycle state of a dialogue session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionExpired   SessionState = "expired"
	SessionError     SessionState = "error"
)

// Session is a user-scoped conversation context spanning multiple turns.
// A user may own any number of sessions; at most one is current per client.
type Session struct {
	ID            int32
	UID           string // opaque session id handed to clients
	UserID        int32
	CurrentIntent *string
	State         SessionState
	Context       map[string]any // free-form context map, stored as JSONB
	ExpiresTs     int64
	CreatedTs     int64
	UpdatedTs     int64
}

type FindSession struct {
	ID     *int32
	UID    *string
	UserID *int32
	State  *SessionState
}

type UpdateSession struct {
	ID            int32
	CurrentIntent *string
	ClearIntent   bool // set current_intent to NULL
	State         *SessionState
	Context       map[string]any
	ExpiresTs     *int64
	UpdatedTs     *int64
}

type DeleteSession struct {
	ID int32
}
