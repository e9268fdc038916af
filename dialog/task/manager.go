// Package task runs asynchronous work (delegated dispatches, RAG queries,
// batches) in a supervised worker pool. Tasks are owned by the manager, not
// by the submitting request: submission returns immediately and the work
// survives client disconnects.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/metrics"
	"github.com/hrygo/dialogd/store"
)

// Handler executes one task type. The returned map becomes the task result.
type Handler func(ctx context.Context, t *store.AsyncTask) (map[string]any, error)

// Config bounds the pool.
type Config struct {
	Workers       int           // default 8
	QueueCap      int           // default 256; overflow rejects Overloaded
	TaskTimeout   time.Duration // per-task budget, default 5m
	MaxLogEntries int           // bounded step log, default 50
	Metrics       *metrics.Exporter
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = 50
	}
	return c
}

// Manager owns the queue and worker pool.
type Manager struct {
	store    *store.Store
	cfg      Config
	handlers map[store.TaskType]Handler

	queue   chan string
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	mu      sync.Mutex
	inFlight map[string]context.CancelFunc
}

// NewManager creates a stopped manager; Register handlers, then Start.
func NewManager(s *store.Store, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    s,
		cfg:      cfg,
		handlers: make(map[store.TaskType]Handler),
		queue:    make(chan string, cfg.QueueCap),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Register binds a handler to a task type. Must be called before Start.
func (m *Manager) Register(t store.TaskType, h Handler) {
	m.handlers[t] = h
}

// Start launches the worker pool.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	slog.Info("task manager started", "workers", m.cfg.Workers, "queue_cap", m.cfg.QueueCap)
}

// Shutdown stops intake, cancels in-flight tasks, and waits for workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit persists a pending task and enqueues it. A full queue rejects with
// Overloaded; nothing is persisted in that case.
func (m *Manager) Submit(ctx context.Context, taskType store.TaskType, payload map[string]any, userID int32, ttl time.Duration) (string, error) {
	if _, ok := m.handlers[taskType]; !ok {
		return "", dialogerr.New(dialogerr.KindInternal, "no handler for task type %s", taskType)
	}
	if len(m.queue) >= m.cfg.QueueCap {
		m.cfg.Metrics.RecordTaskSubmit(string(taskType), false)
		return "", dialogerr.New(dialogerr.KindOverloaded, "task queue full")
	}

	id := shortuuid.New()
	t := &store.AsyncTask{
		ID:        id,
		Type:      taskType,
		Status:    store.TaskPending,
		UserID:    userID,
		Payload:   payload,
		Log:       []store.TaskLogEntry{{Ts: time.Now().Unix(), Message: "submitted"}},
		ExpiresTs: time.Now().Add(ttl).Unix(),
	}
	if _, err := m.store.CreateAsyncTask(ctx, t); err != nil {
		m.cfg.Metrics.RecordTaskSubmit(string(taskType), false)
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	select {
	case m.queue <- id:
		m.cfg.Metrics.RecordTaskSubmit(string(taskType), true)
		return id, nil
	default:
		// Queue filled between the check and the send.
		status := store.TaskFailed
		errMsg := "task queue full"
		_, _ = m.store.UpdateAsyncTask(ctx, &store.UpdateAsyncTask{ID: id, Status: &status, Error: &errMsg})
		m.cfg.Metrics.RecordTaskSubmit(string(taskType), false)
		return "", dialogerr.New(dialogerr.KindOverloaded, "task queue full")
	}
}

// Status returns the task or nil when unknown.
func (m *Manager) Status(ctx context.Context, id string) (*store.AsyncTask, error) {
	return m.store.GetAsyncTask(ctx, id)
}

// ListByOwner returns the owner's tasks with optional status/type filters.
func (m *Manager) ListByOwner(ctx context.Context, userID int32, find *store.FindAsyncTask) ([]*store.AsyncTask, error) {
	if find == nil {
		find = &store.FindAsyncTask{}
	}
	find.UserID = &userID
	return m.store.ListAsyncTasks(ctx, find)
}

// Cancel requests cancellation. Pending tasks flip to cancelled directly;
// processing tasks get their context cancelled and the worker records the
// terminal state. Terminal tasks return false.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := m.store.GetAsyncTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	switch t.Status {
	case store.TaskPending:
		status := store.TaskCancelled
		pending := store.TaskPending
		log := m.appendLog(t.Log, "cancelled before start")
		updated, err := m.store.UpdateAsyncTask(ctx, &store.UpdateAsyncTask{ID: id, Status: &status, Log: log, IfStatus: &pending})
		if err != nil {
			return false, err
		}
		if updated != nil {
			return true, nil
		}
		// A worker claimed the task first; cancel it in flight instead.
		m.mu.Lock()
		cancel, ok := m.inFlight[id]
		m.mu.Unlock()
		if ok {
			cancel()
			return true, nil
		}
		return false, nil
	case store.TaskProcessing:
		m.mu.Lock()
		cancel, ok := m.inFlight[id]
		m.mu.Unlock()
		if ok {
			cancel()
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.run(id)
		}
	}
}

func (m *Manager) run(id string) {
	ctx := m.ctx
	t, err := m.store.GetAsyncTask(ctx, id)
	if err != nil || t == nil {
		slog.Warn("dequeued unknown task", "task_id", id, "error", err)
		return
	}
	// Cancelled while queued.
	if t.Status != store.TaskPending {
		return
	}

	handler, ok := m.handlers[t.Type]
	if !ok {
		m.finish(t, nil, fmt.Errorf("no handler for type %s", t.Type), false)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, m.cfg.TaskTimeout)
	m.mu.Lock()
	m.inFlight[id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.inFlight, id)
		m.mu.Unlock()
	}()

	// Claim the task: the transition applies only while it is still pending,
	// so a cancel landing after the status check above cannot be overwritten.
	status := store.TaskProcessing
	pending := store.TaskPending
	progress := int32(10)
	t.Log = m.appendLog(t.Log, "processing started")
	claimed, err := m.store.UpdateAsyncTask(ctx, &store.UpdateAsyncTask{ID: id, Status: &status, Progress: &progress, Log: t.Log, IfStatus: &pending})
	if err != nil {
		slog.Error("failed to mark task processing", "task_id", id, "error", err)
		return
	}
	if claimed == nil {
		// Cancelled (or otherwise moved) between the read and the claim.
		return
	}

	result, err := handler(taskCtx, t)
	cancelled := taskCtx.Err() == context.Canceled
	m.finish(t, result, err, cancelled)
}

// finish writes the terminal state and result atomically.
func (m *Manager) finish(t *store.AsyncTask, result map[string]any, err error, cancelled bool) {
	update := &store.UpdateAsyncTask{ID: t.ID}
	progress := int32(100)

	switch {
	case cancelled:
		status := store.TaskCancelled
		update.Status = &status
		update.Log = m.appendLog(t.Log, "cancelled")
	case err != nil:
		status := store.TaskFailed
		errMsg := err.Error()
		update.Status = &status
		update.Error = &errMsg
		update.Log = m.appendLog(t.Log, "failed: "+errMsg)
	default:
		status := store.TaskCompleted
		update.Status = &status
		update.Result = result
		update.Progress = &progress
		update.Log = m.appendLog(t.Log, "completed")
	}

	if _, uerr := m.store.UpdateAsyncTask(context.Background(), update); uerr != nil {
		slog.Error("failed to finalize task", "task_id", t.ID, "error", uerr)
	}
}

// appendLog keeps the step log bounded, dropping the oldest entries.
func (m *Manager) appendLog(log []store.TaskLogEntry, msg string) []store.TaskLogEntry {
	log = append(log, store.TaskLogEntry{Ts: time.Now().Unix(), Message: msg})
	if len(log) > m.cfg.MaxLogEntries {
		log = log[len(log)-m.cfg.MaxLogEntries:]
	}
	return log
}

// Progress lets handlers report advisory progress mid-flight.
func (m *Manager) Progress(ctx context.Context, id string, pct int32, msg string) {
	t, err := m.store.GetAsyncTask(ctx, id)
	if err != nil || t == nil {
		return
	}
	update := &store.UpdateAsyncTask{ID: id, Progress: &pct}
	if msg != "" {
		update.Log = m.appendLog(t.Log, msg)
	}
	if _, err := m.store.UpdateAsyncTask(ctx, update); err != nil {
		slog.Debug("progress update failed", "task_id", id, "error", err)
	}
}
