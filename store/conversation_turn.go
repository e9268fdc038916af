package store

// TurnStatus is the business status of a completed turn (§6 status enum).
type TurnStatus string

const (
	TurnCompleted             TurnStatus = "completed"
	TurnIncomplete            TurnStatus = "incomplete"
	TurnAmbiguous             TurnStatus = "ambiguous"
	TurnAPIError              TurnStatus = "api_error"
	TurnValidationError       TurnStatus = "validation_error"
	TurnRAGFlowHandled        TurnStatus = "ragflow_handled"
	TurnInterruptionHandled   TurnStatus = "interruption_handled"
	TurnMultiIntentProcessing TurnStatus = "multi_intent_processing"
	TurnIntentCancelled       TurnStatus = "intent_cancelled"
	TurnIntentPostponed       TurnStatus = "intent_postponed"
	TurnSuggestionRejected    TurnStatus = "suggestion_rejected"
	TurnIntentTransfer        TurnStatus = "intent_transfer"
	TurnSlotFilling           TurnStatus = "slot_filling"
	TurnContextMaintained     TurnStatus = "context_maintained"
	TurnError                 TurnStatus = "error"
)

// ResponseType classifies the user-facing reply (§6 response type enum).
type ResponseType string

const (
	RespAPIResult                    ResponseType = "api_result"
	RespTaskCompletion               ResponseType = "task_completion"
	RespSlotPrompt                   ResponseType = "slot_prompt"
	RespDisambiguation               ResponseType = "disambiguation"
	RespQAResponse                   ResponseType = "qa_response"
	RespSmallTalkWithContextReturn   ResponseType = "small_talk_with_context_return"
	RespIntentTransferWithCompletion ResponseType = "intent_transfer_with_completion"
	RespCancellationConfirmation     ResponseType = "cancellation_confirmation"
	RespPostponementWithSave         ResponseType = "postponement_with_save"
	RespRejectionAcknowledgment      ResponseType = "rejection_acknowledgment"
	RespValidationErrorPrompt        ResponseType = "validation_error_prompt"
	RespErrorWithAlternatives        ResponseType = "error_with_alternatives"
	RespMultiIntentWithContinuation  ResponseType = "multi_intent_with_continuation"
	RespSecurityError                ResponseType = "security_error"
)

// ConversationTurn is one append-only request/response exchange within a
// session. Turn numbers start at 1 and are contiguous; no turn is mutated
// after insertion.
type ConversationTurn struct {
	ID           int64
	SessionID    int32
	TurnNumber   int32
	UserInput    string
	Intent       *string
	Confidence   float64
	Response     string
	ResponseType ResponseType
	Status       TurnStatus
	LatencyMs    int64
	ErrorMessage *string
	CreatedTs    int64
}

type FindConversationTurn struct {
	SessionID  *int32
	TurnNumber *int32
	Limit      *int
}
