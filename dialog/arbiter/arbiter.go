// Package arbiter decides what a turn does next from the classifier output,
// the session's current intent, and the slot validation outcome. It is a pure
// function with no I/O; every branch of the dialogue state machine is
// reachable from here and tested as a table.
package arbiter

import (
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/registry"
)

// Kind is the closed set of arbiter decisions.
type Kind string

const (
	Continue     Kind = "continue"     // keep (or adopt) the intent, go extract
	Switch       Kind = "switch"       // transfer to a new intent
	Disambiguate Kind = "disambiguate" // ask the user to choose
	Cancel       Kind = "cancel"       // explicit cancel/postpone/reject intent
	Fallback     Kind = "fallback"     // below floor or empty candidates
	SlotPrompt   Kind = "slot_prompt"  // required slot missing or invalid
	Dispatch     Kind = "dispatch"     // all required slots valid
)

// Thresholds are the decision bars. All fields must be set by the caller;
// profile defaults are GlobalFloor 0.4, TransferFloor 0.6, AmbiguityGap 0.1,
// TransferGap 0.15.
type Thresholds struct {
	GlobalFloor   float64 // τ₀
	TransferFloor float64 // τ_transfer
	AmbiguityGap  float64 // δ
	TransferGap   float64 // δ_transfer
}

// Decision is the tagged result. Fields beyond Kind are populated per kind:
// Intent for Continue/Switch/Cancel/Dispatch, Candidates for Disambiguate,
// PromptSlot+Missing (+InvalidMessage) for SlotPrompt.
type Decision struct {
	Kind           Kind
	Intent         string
	Confidence     float64
	FromIntent     string // Switch only
	Candidates     []classifier.Candidate
	PromptSlot     string
	Missing        []string
	InvalidMessage string
}

// DecideIntent resolves the intent phase of a turn.
//
// Precedence: empty/floor -> Fallback; explicit cancel intent -> Cancel;
// top-1 equals current -> Continue; near-tie above floor -> Disambiguate;
// transfer bars met -> Switch; live current intent absorbs weak candidates
// -> Continue current; otherwise adopt top-1 when it clears its own
// threshold, else Fallback.
func DecideIntent(snap *registry.Snapshot, cands []classifier.Candidate, currentIntent *string, t Thresholds) Decision {
	if len(cands) == 0 || cands[0].Score < t.GlobalFloor {
		return Decision{Kind: Fallback}
	}
	top := cands[0]
	topIntent, ok := snap.Intent(top.Intent)
	if !ok {
		return Decision{Kind: Fallback}
	}

	if topIntent.Def.CancelIntent {
		return Decision{Kind: Cancel, Intent: top.Intent, Confidence: top.Score}
	}

	if currentIntent != nil && *currentIntent == top.Intent {
		return Decision{Kind: Continue, Intent: top.Intent, Confidence: top.Score}
	}

	if len(cands) > 1 {
		second := cands[1]
		if second.Score >= t.GlobalFloor && top.Score-second.Score < t.AmbiguityGap {
			n := len(cands)
			if n > 3 {
				n = 3
			}
			return Decision{Kind: Disambiguate, Candidates: cands[:n], Confidence: top.Score}
		}
	}

	gap := top.Score
	if len(cands) > 1 {
		gap = top.Score - cands[1].Score
	}

	if currentIntent != nil {
		if top.Score >= t.TransferFloor && gap >= t.TransferGap {
			return Decision{Kind: Switch, Intent: top.Intent, FromIntent: *currentIntent, Confidence: top.Score}
		}
		// Weak competitor: stay on the current intent and treat the input
		// as slot material.
		return Decision{Kind: Continue, Intent: *currentIntent, Confidence: top.Score}
	}

	threshold := topIntent.Def.Threshold
	if threshold <= 0 {
		threshold = t.GlobalFloor
	}
	if top.Score >= threshold {
		return Decision{Kind: Continue, Intent: top.Intent, Confidence: top.Score}
	}
	return Decision{Kind: Fallback}
}

// DecideSlots resolves the slot phase after extraction and validation.
// invalidSlot/invalidMessage come from the first failed slot; missing holds
// the required slots without usable values in extraction priority order.
func DecideSlots(intent string, missing []string, invalidSlot, invalidMessage string) Decision {
	if invalidSlot != "" {
		return Decision{Kind: SlotPrompt, Intent: intent, PromptSlot: invalidSlot, Missing: missing, InvalidMessage: invalidMessage}
	}
	if len(missing) > 0 {
		return Decision{Kind: SlotPrompt, Intent: intent, PromptSlot: missing[0], Missing: missing}
	}
	return Decision{Kind: Dispatch, Intent: intent}
}
