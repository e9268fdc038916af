package v1

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// envelope is the uniform response wrapper. Business rejections travel as
// success=false with HTTP 200; transport-level failures use HTTP error codes.
type envelope struct {
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, &envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
		RequestID: uuid.NewString(),
	})
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, &envelope{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
		RequestID: uuid.NewString(),
	})
}

// businessFail reports a rejection the client should handle in flow, such as
// an expired session. HTTP status stays 200.
func businessFail(c echo.Context, code, message string) error {
	return fail(c, http.StatusOK, code, message)
}
