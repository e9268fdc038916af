package v1

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/dialogd/dialog/dialogerr"
	"github.com/hrygo/dialogd/dialog/orchestrator"
	"github.com/hrygo/dialogd/store"
)

type turnRequest struct {
	UserID    int32          `json:"user_id" validate:"required"`
	SessionID string         `json:"session_id"`
	Input     string         `json:"input" validate:"required,max=1000"`
	Context   map[string]any `json:"context"`
}

// HandleTurn runs one dialogue turn.
func (s *APIV1Service) HandleTurn(c echo.Context) error {
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	}
	if !s.limiters.Allow(req.UserID) {
		c.Response().Header().Set("Retry-After", "1")
		return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests for this user")
	}

	resp, err := s.Orchestrator.ProcessTurn(c.Request().Context(), &orchestrator.TurnRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Input:     req.Input,
		Context:   req.Context,
	})
	if err != nil {
		return s.turnError(c, err)
	}
	return ok(c, resp)
}

func (s *APIV1Service) turnError(c echo.Context, err error) error {
	switch kind := dialogerr.KindOf(err); kind {
	case dialogerr.KindInvalidInput:
		return fail(c, http.StatusBadRequest, string(kind), err.Error())
	case dialogerr.KindSessionExpired:
		return businessFail(c, string(kind), err.Error())
	case dialogerr.KindSessionBusy:
		c.Response().Header().Set("Retry-After", "1")
		return fail(c, http.StatusTooManyRequests, string(kind), err.Error())
	case dialogerr.KindOverloaded:
		c.Response().Header().Set("Retry-After", "5")
		return fail(c, http.StatusServiceUnavailable, string(kind), err.Error())
	default:
		slog.Error("turn processing failed", "error", err)
		return fail(c, http.StatusInternalServerError, string(dialogerr.KindInternal), "internal error")
	}
}

type sessionView struct {
	SessionID     string         `json:"session_id"`
	UserID        int32          `json:"user_id"`
	State         string         `json:"state"`
	CurrentIntent *string        `json:"current_intent"`
	Context       map[string]any `json:"context,omitempty"`
	ExpiresTs     int64          `json:"expires_ts"`
	CreatedTs     int64          `json:"created_ts"`
	Turns         []turnView     `json:"turns"`
}

type turnView struct {
	TurnNumber   int32   `json:"turn_number"`
	UserInput    string  `json:"user_input"`
	Response     string  `json:"response"`
	Intent       *string `json:"intent"`
	Confidence   float64 `json:"confidence"`
	Status       string  `json:"status"`
	ResponseType string  `json:"response_type"`
	CreatedTs    int64   `json:"created_ts"`
}

// GetDialogSession returns a session and its most recent turns, newest first.
func (s *APIV1Service) GetDialogSession(c echo.Context) error {
	uid := c.Param("uid")
	sess, err := s.Store.GetSession(c.Request().Context(), &store.FindSession{UID: &uid})
	if err != nil {
		slog.Error("failed to load session", "session", uid, "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	if sess == nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "session not found")
	}

	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	turns, err := s.Store.ListConversationTurns(c.Request().Context(), &store.FindConversationTurn{
		SessionID: &sess.ID,
		Limit:     &limit,
	})
	if err != nil {
		slog.Error("failed to list turns", "session", uid, "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}

	view := &sessionView{
		SessionID:     sess.UID,
		UserID:        sess.UserID,
		State:         string(sess.State),
		CurrentIntent: sess.CurrentIntent,
		Context:       sess.Context,
		ExpiresTs:     sess.ExpiresTs,
		CreatedTs:     sess.CreatedTs,
		Turns:         make([]turnView, 0, len(turns)),
	}
	for _, t := range turns {
		view.Turns = append(view.Turns, turnView{
			TurnNumber:   t.TurnNumber,
			UserInput:    t.UserInput,
			Response:     t.Response,
			Intent:       t.Intent,
			Confidence:   t.Confidence,
			Status:       string(t.Status),
			ResponseType: string(t.ResponseType),
			CreatedTs:    t.CreatedTs,
		})
	}
	return ok(c, view)
}
