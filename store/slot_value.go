package store

// ValidationStatus is the validation state of one extracted slot value.
type ValidationStatus string

const (
	SlotValid     ValidationStatus = "valid"
	SlotInvalid   ValidationStatus = "invalid"
	SlotPending   ValidationStatus = "pending"
	SlotCorrected ValidationStatus = "corrected"
)

// SlotValue is one extracted value keyed by (conversation turn, slot).
// Rows are append-only; the effective value of a slot for a session is the
// most recent turn's value whose status is valid or corrected.
type SlotValue struct {
	ID           int64
	TurnID       int64
	SessionID    int32
	IntentName   string
	SlotName     string
	OriginalText string
	Extracted    string
	Normalized   string
	Confidence   float64
	Method       string // rule, dict, llm, default, carry
	Status       ValidationStatus
	ErrorMessage string
	Confirmed    bool
	CreatedTs    int64
}

type FindSlotValue struct {
	TurnID    *int64
	SessionID *int32
	SlotName  *string
}
