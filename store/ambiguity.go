package store

// AmbiguityCandidate is one candidate offered in a disambiguation prompt.
type AmbiguityCandidate struct {
	Intent      string  `json:"intent"`
	DisplayName string  `json:"display_name"`
	Confidence  float64 `json:"confidence"`
}

// IntentAmbiguity records an open disambiguation question. It is closed when
// the next turn resolves it by user choice, or replaced by a fresh
// classification after timeout.
type IntentAmbiguity struct {
	ID         int64
	SessionID  int32
	TurnID     int64
	Candidates []AmbiguityCandidate
	Resolved   bool
	ResolvedAs *string
	CreatedTs  int64
}

// IntentTransfer records a mid-session switch of the current intent,
// capturing a context snapshot for optional resume on return.
type IntentTransfer struct {
	ID           int64
	SessionID    int32
	FromIntent   string
	ToIntent     string
	Reason       string
	SlotSnapshot map[string]string // effective normalized slot values at switch time
	Confidence   float64
	Success      bool
	CreatedTs    int64
}

type FindIntentAmbiguity struct {
	SessionID *int32
	Resolved  *bool
}

type UpdateIntentAmbiguity struct {
	ID         int64
	Resolved   *bool
	ResolvedAs *string
}

type FindIntentTransfer struct {
	SessionID *int32
	ToIntent  *string
}
