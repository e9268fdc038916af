package v1

import (
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// authMiddleware enforces the static bearer token when one is configured.
// An empty token leaves the API open, which is the dev default.
func (s *APIV1Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := s.Profile.APIToken
		if token == "" {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		presented, found := strings.CutPrefix(header, "Bearer ")
		if !found || presented != token {
			return fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
		}
		return next(c)
	}
}

// userLimiters keeps one token bucket per user id.
type userLimiters struct {
	mu       sync.Mutex
	limiters map[int32]*rate.Limiter
	qps      rate.Limit
	burst    int
}

func newUserLimiters(qps float64, burst int) *userLimiters {
	if qps <= 0 {
		qps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &userLimiters{
		limiters: make(map[int32]*rate.Limiter),
		qps:      rate.Limit(qps),
		burst:    burst,
	}
}

func (u *userLimiters) Allow(userID int32) bool {
	u.mu.Lock()
	l, ok := u.limiters[userID]
	if !ok {
		l = rate.NewLimiter(u.qps, u.burst)
		u.limiters[userID] = l
	}
	u.mu.Unlock()
	return l.Allow()
}
