package store

// TaskType enumerates async task kinds.
type TaskType string

const (
	TaskFunctionCall TaskType = "function_call"
	TaskRAGQuery     TaskType = "rag_query"
	TaskBatch        TaskType = "batch"
)

// TaskStatus is the async task state. Transitions are monotonic:
// pending -> processing -> (completed | failed | cancelled); cancelled is
// reachable from pending and processing only.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskLogEntry is one step event in the bounded per-task log.
type TaskLogEntry struct {
	Ts      int64  `json:"ts"`
	Message string `json:"message"`
}

// AsyncTask tracks a long-running dispatch or RAG call. Tasks may reference a
// conversation turn but do not own it.
type AsyncTask struct {
	ID        string // ULID-like opaque id
	Type      TaskType
	Status    TaskStatus
	UserID    int32
	TurnID    *int64
	Payload   map[string]any
	Result    map[string]any
	Error     string
	Progress  int32 // advisory, monotonic, 0..100
	Log       []TaskLogEntry
	CreatedTs int64
	UpdatedTs int64
	ExpiresTs int64
}

type FindAsyncTask struct {
	ID     *string
	UserID *int32
	Type   *TaskType
	Status *TaskStatus
	Limit  *int
}

type UpdateAsyncTask struct {
	ID       string
	Status   *TaskStatus
	Result   map[string]any
	Error    *string
	Progress *int32
	Log      []TaskLogEntry

	// IfStatus makes the update conditional: it applies only while the task
	// is still in this status. A guard miss returns (nil, nil).
	IfStatus *TaskStatus
}
