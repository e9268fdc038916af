package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/dialogd/dialog/cache"
)

// InvalidateConfig applies a typed cache invalidation and reloads the config
// snapshot when the event touches intent configuration. Admin tooling calls
// this after committing a config write.
func (s *APIV1Service) InvalidateConfig(c echo.Context) error {
	var ev cache.InvalidationEvent
	if err := c.Bind(&ev); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body")
	}
	if ev.Table == "" {
		return fail(c, http.StatusBadRequest, "INVALID_ARGUMENT", "table is required")
	}

	// Preference invalidations never touch the config snapshot; skip the reload.
	if ev.Table == "user_prefs" {
		s.Cache.ApplyInvalidation(ev)
		return ok(c, map[string]any{"applied": true})
	}

	if err := s.Registry.HandleInvalidation(c.Request().Context(), ev); err != nil {
		slog.Error("config reload failed after invalidation", "table", ev.Table, "name", ev.Name, "error", err)
		return fail(c, http.StatusInternalServerError, "INTERNAL", "config reload failed")
	}
	return ok(c, map[string]any{
		"applied": true,
		"version": s.Registry.Snapshot().Version(),
	})
}

// GetCacheStats reports hit/miss counters per cache namespace.
func (s *APIV1Service) GetCacheStats(c echo.Context) error {
	return ok(c, s.Cache.GetStats())
}

// GetConfigProblems lists intents rejected by snapshot validation.
func (s *APIV1Service) GetConfigProblems(c echo.Context) error {
	return ok(c, s.Registry.Snapshot().Problems())
}
