package v1

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/dialogd/store"
)

type taskView struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Status    string               `json:"status"`
	Progress  int32                `json:"progress"`
	Result    map[string]any       `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	Log       []store.TaskLogEntry `json:"log,omitempty"`
	CreatedTs int64                `json:"created_ts"`
	UpdatedTs int64                `json:"updated_ts"`
}

func toTaskView(t *store.AsyncTask) taskView {
	return taskView{
		ID:        t.ID,
		Type:      string(t.Type),
		Status:    string(t.Status),
		Progress:  t.Progress,
		Result:    t.Result,
		Error:     t.Error,
		Log:       t.Log,
		CreatedTs: t.CreatedTs,
		UpdatedTs: t.UpdatedTs,
	}
}

// GetTask returns one async task by id.
func (s *APIV1Service) GetTask(c echo.Context) error {
	t, err := s.Tasks.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		slog.Error("failed to load task", "task", c.Param("id"), "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	if t == nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "task not found")
	}
	return ok(c, toTaskView(t))
}

// CancelTask requests cancellation of a pending or processing task.
func (s *APIV1Service) CancelTask(c echo.Context) error {
	cancelled, err := s.Tasks.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		slog.Error("failed to cancel task", "task", c.Param("id"), "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	if !cancelled {
		return fail(c, http.StatusConflict, "NOT_CANCELLABLE", "task is finished or unknown")
	}
	return ok(c, map[string]any{"cancelled": true})
}

// ListTasks returns a user's tasks, optionally filtered by status.
func (s *APIV1Service) ListTasks(c echo.Context) error {
	rawUser := c.QueryParam("user_id")
	userID, err := strconv.ParseInt(rawUser, 10, 32)
	if err != nil || userID <= 0 {
		return fail(c, http.StatusBadRequest, "INVALID_ARGUMENT", "user_id query parameter is required")
	}

	find := &store.FindAsyncTask{}
	if raw := c.QueryParam("status"); raw != "" {
		status := store.TaskStatus(raw)
		find.Status = &status
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			find.Limit = &n
		}
	}

	tasks, err := s.Tasks.ListByOwner(c.Request().Context(), int32(userID), find)
	if err != nil {
		slog.Error("failed to list tasks", "user", userID, "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	return ok(c, views)
}
