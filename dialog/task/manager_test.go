package task

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/metrics"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	st := store.New(teststore.New(), &profile.Profile{})
	m := NewManager(st, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, st
}

func waitStatus(t *testing.T, m *Manager, id string, want store.TaskStatus) *store.AsyncTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.Status(context.Background(), id)
		require.NoError(t, err)
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 2})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return map[string]any{"flight_number": "CA1858"}, nil
	})
	m.Start()

	id, err := m.Submit(context.Background(), store.TaskFunctionCall, map[string]any{"intent": "book_flight"}, 7, time.Hour)
	require.NoError(t, err)

	task := waitStatus(t, m, id, store.TaskCompleted)
	require.Equal(t, "CA1858", task.Result["flight_number"])
	require.EqualValues(t, 100, task.Progress)
	require.NotEmpty(t, task.Log)
	require.Equal(t, "completed", task.Log[len(task.Log)-1].Message)
}

func TestHandlerErrorFailsTask(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 1})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return nil, errors.New("upstream exploded")
	})
	m.Start()

	id, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)

	task := waitStatus(t, m, id, store.TaskFailed)
	require.Contains(t, task.Error, "upstream exploded")
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	m.Start()
	_, err := m.Submit(context.Background(), store.TaskBatch, nil, 7, time.Hour)
	require.Error(t, err)
	require.Equal(t, dialogerr.KindInternal, dialogerr.KindOf(err))
}

func TestSubmitRecordsOutcomeMetrics(t *testing.T) {
	exporter := metrics.NewExporter(metrics.Config{})
	// No workers started, queue capacity 1: the second submit is rejected.
	m, _ := newTestManager(t, Config{Workers: 1, QueueCap: 1, Metrics: exporter})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return nil, nil
	})

	_, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.Error(t, err)

	expected := `
		# HELP dialogd_tasks_submitted_total Async task submissions
		# TYPE dialogd_tasks_submitted_total counter
		dialogd_tasks_submitted_total{outcome="accepted",type="function_call"} 1
		dialogd_tasks_submitted_total{outcome="rejected",type="function_call"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(exporter.Registry(), strings.NewReader(expected),
		"dialogd_tasks_submitted_total"))
}

func TestQueueOverflowRejectsOverloaded(t *testing.T) {
	// No workers started, queue capacity 1: the second submit overflows.
	m, _ := newTestManager(t, Config{Workers: 1, QueueCap: 1})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return nil, nil
	})

	_, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.Error(t, err)
	require.Equal(t, dialogerr.KindOverloaded, dialogerr.KindOf(err))
}

func TestCancelPendingTask(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 1, QueueCap: 8})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return nil, nil
	})
	// Workers not started: the task stays pending.

	id, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)

	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	task, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, task.Status)

	// Terminal: a second cancel is refused.
	ok, err = m.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelProcessingTask(t *testing.T) {
	started := make(chan struct{})
	m, _ := newTestManager(t, Config{Workers: 1})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.Start()

	id, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)

	<-started
	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	waitStatus(t, m, id, store.TaskCancelled)
}

func TestCancelledWhileQueuedStaysCancelled(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 1, QueueCap: 8})
	var ran atomic.Bool
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		ran.Store(true)
		return nil, nil
	})
	// Workers not started yet: the task sits in the queue as pending.

	id, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)

	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	// The worker dequeues the already-cancelled task and must leave it alone.
	m.Start()
	time.Sleep(100 * time.Millisecond)

	task, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, task.Status)
	require.False(t, ran.Load())
}

func TestProcessingClaimMissesCancelledTask(t *testing.T) {
	// A worker holding a stale pending snapshot must not revive a task that
	// was cancelled after its read: the conditional claim comes back empty.
	_, st := newTestManager(t, Config{})
	_, err := st.CreateAsyncTask(context.Background(), &store.AsyncTask{
		ID: "t1", Type: store.TaskFunctionCall, Status: store.TaskCancelled, UserID: 7,
	})
	require.NoError(t, err)

	processing := store.TaskProcessing
	pending := store.TaskPending
	claimed, err := st.UpdateAsyncTask(context.Background(), &store.UpdateAsyncTask{
		ID: "t1", Status: &processing, IfStatus: &pending,
	})
	require.NoError(t, err)
	require.Nil(t, claimed)

	got, err := st.GetAsyncTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, got.Status)
}

func TestProgressIsMonotonic(t *testing.T) {
	m, st := newTestManager(t, Config{})
	task, err := st.CreateAsyncTask(context.Background(), &store.AsyncTask{
		ID: "t1", Type: store.TaskBatch, Status: store.TaskProcessing, UserID: 7,
	})
	require.NoError(t, err)

	m.Progress(context.Background(), task.ID, 60, "step 1")
	m.Progress(context.Background(), task.ID, 30, "late update")

	got, err := m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	require.EqualValues(t, 60, got.Progress)
}

func TestListByOwner(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 1})
	m.Register(store.TaskFunctionCall, func(ctx context.Context, task *store.AsyncTask) (map[string]any, error) {
		return nil, nil
	})
	m.Start()

	id1, err := m.Submit(context.Background(), store.TaskFunctionCall, nil, 7, time.Hour)
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), store.TaskFunctionCall, nil, 8, time.Hour)
	require.NoError(t, err)

	waitStatus(t, m, id1, store.TaskCompleted)

	mine, err := m.ListByOwner(context.Background(), 7, nil)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, id1, mine[0].ID)
}
