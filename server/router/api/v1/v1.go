// Package v1 exposes the dialogue service REST API.
package v1

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/metrics"
	"github.com/hrygo/dialogd/dialog/orchestrator"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/dialog/task"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
)

type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Tasks        *task.Manager
	Registry     *registry.Registry
	Cache        *cache.Layer
	Metrics      *metrics.Exporter

	validate *validator.Validate
	limiters *userLimiters
}

func NewAPIV1Service(profile *profile.Profile, store *store.Store, orch *orchestrator.Orchestrator,
	tasks *task.Manager, reg *registry.Registry, layer *cache.Layer, exporter *metrics.Exporter) *APIV1Service {
	return &APIV1Service{
		Profile:      profile,
		Store:        store,
		Orchestrator: orch,
		Tasks:        tasks,
		Registry:     reg,
		Cache:        layer,
		Metrics:      exporter,
		validate:     validator.New(),
		limiters:     newUserLimiters(profile.RatePerUserQPS, profile.RatePerUserBurst),
	}
}

// Register mounts all v1 routes on the given Echo instance.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	g := echoServer.Group("/api/v1")
	g.Use(middleware.CORS())
	g.Use(s.authMiddleware)

	g.POST("/dialog/turn", s.HandleTurn)
	g.GET("/dialog/sessions/:uid", s.GetDialogSession)

	g.GET("/tasks", s.ListTasks)
	g.GET("/tasks/:id", s.GetTask)
	g.POST("/tasks/:id/cancel", s.CancelTask)

	g.POST("/admin/invalidate", s.InvalidateConfig)
	g.GET("/admin/cache/stats", s.GetCacheStats)
	g.GET("/admin/config/problems", s.GetConfigProblems)
}
