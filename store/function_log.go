package store

// FunctionCallLog is one dispatch attempt record, written per dispatch for
// audit and idempotency inspection.
type FunctionCallLog struct {
	ID             int64
	SessionID      int32
	TurnID         int64
	FunctionName   string
	IdempotencyKey string
	RequestBody    string
	ResponseBody   string
	StatusCode     int32
	Attempts       int32
	Success        bool
	ElapsedMs      int64
	ErrorMessage   string
	CreatedTs      int64
}

type FindFunctionCallLog struct {
	SessionID      *int32
	TurnID         *int64
	IdempotencyKey *string
}
