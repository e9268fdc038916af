// Package server wires the dialogue components and hosts the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/dispatcher"
	"github.com/hrygo/dialogd/dialog/extractor"
	"github.com/hrygo/dialogd/dialog/fallback"
	"github.com/hrygo/dialogd/dialog/llm"
	"github.com/hrygo/dialogd/dialog/metrics"
	"github.com/hrygo/dialogd/dialog/orchestrator"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/dialog/task"
	"github.com/hrygo/dialogd/internal/profile"
	apiv1 "github.com/hrygo/dialogd/server/router/api/v1"
	"github.com/hrygo/dialogd/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	apiV1      *apiv1.APIV1Service
	tasks      *task.Manager
}

// NewServer builds the full component graph from profile and store: cache,
// config registry, NLU services, dispatcher, task manager, orchestrator and
// the REST routes.
func NewServer(ctx context.Context, profile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	layer := cache.NewLayer(cache.Config{})

	reg, err := registry.New(storeInstance, layer)
	if err != nil {
		return nil, err
	}
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}

	var llmService llm.Service
	if profile.IsLLMEnabled() {
		llmService, err = llm.NewService(&llm.Config{
			Provider: profile.LLMProvider,
			Model:    profile.LLMModel,
			APIKey:   profile.LLMAPIKey,
			BaseURL:  profile.LLMBaseURL,
			Timeout:  profile.LLMTimeout,
		})
		if err != nil {
			slog.Warn("failed to initialize LLM service, running lexical-only",
				"provider", profile.LLMProvider, "error", err)
			llmService = nil
		} else {
			slog.Info("LLM service initialized", "provider", profile.LLMProvider, "model", profile.LLMModel)
			// Warmup asynchronously to cut first-request latency; best effort.
			go func() {
				warmupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				llmService.Warmup(warmupCtx)
			}()
		}
	} else {
		slog.Info("LLM disabled, classification and extraction run lexical-only")
	}

	exporter := metrics.NewExporter(metrics.Config{})
	exporter.ObserveCache(layer)
	llmService = exporter.InstrumentLLM(llmService, profile.LLMModel)

	tasks := task.NewManager(storeInstance, task.Config{
		Workers:  profile.TaskWorkers,
		QueueCap: profile.TaskQueueCap,
		Metrics:  exporter,
	})

	var submitter dispatcher.AsyncSubmitter
	if profile.AsyncEnabled {
		submitter = tasks
	}
	disp := dispatcher.New(layer, submitter, dispatcher.Config{
		Timeout: time.Duration(profile.DispatchTimeout) * time.Second,
		Retries: profile.DispatchRetries,
	})
	tasks.Register(store.TaskFunctionCall, func(ctx context.Context, t *store.AsyncTask) (map[string]any, error) {
		return disp.ExecuteTask(ctx, reg, t)
	})
	tasks.Start()

	cls := classifier.New(reg, llmService, layer, classifier.Config{})
	ext := extractor.New(reg, llmService, layer)
	fb := fallback.New(reg, layer, fallback.Config{
		RAGBaseURL: profile.RAGBaseURL,
		RAGAPIKey:  profile.RAGAPIKey,
		RAGEnabled: profile.RAGEnabled,
	})

	orch := orchestrator.New(profile, storeInstance, reg, cls, ext, disp, fb, layer, exporter)

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(requestLogger)

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	echoServer.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	apiV1 := apiv1.NewAPIV1Service(profile, storeInstance, orch, tasks, reg, layer, exporter)
	apiV1.Register(echoServer)

	return &Server{
		Profile:    profile,
		Store:      storeInstance,
		echoServer: echoServer,
		apiV1:      apiV1,
		tasks:      tasks,
	}, nil
}

// Start begins serving. It returns immediately; listener errors are logged
// from the serving goroutine.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
		}
	}()
	return nil
}

// Shutdown drains HTTP, stops the task workers and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown task manager", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("dialogd stopped properly")
}

// requestLogger logs one line per request. Health and metrics probes are
// skipped to keep the log readable.
func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if path == "/healthz" || path == "/metrics" {
			return next(c)
		}
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			}
		}
		slog.Info("http request",
			"method", c.Request().Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds())
		return err
	}
}
