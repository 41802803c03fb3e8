// Package httpapi exposes the two HTTP seams an external control plane uses:
// submitting a run and streaming its events. Everything else (agent
// deploy/list/delete) lives outside this repo's scope.
package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nightshiftvm/nightshift/internal/eventbus"
	"github.com/nightshiftvm/nightshift/internal/metrics"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/orchestrator"
)

// Server wires the Event Buffer and Run Orchestrator onto an Echo instance.
type Server struct {
	echo       *echo.Echo
	bus        *eventbus.Bus
	orch       *orchestrator.Orchestrator
	onComplete orchestrator.OnRunComplete
}

// NewServer builds the Echo instance and registers every route this core
// owns. apiKey, when non-empty, is required as a Bearer token on
// /internal/runs. onComplete is the registry completion callback (spec.md
// §6.1) forwarded to every orchestrator.Execute call this server triggers;
// nil is a valid no-op for callers with no registry to notify.
func NewServer(bus *eventbus.Bus, orch *orchestrator.Orchestrator, onComplete orchestrator.OnRunComplete, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	s := &Server{echo: e, bus: bus, orch: orch, onComplete: onComplete}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	internal := e.Group("/internal")
	if apiKey != "" {
		internal.Use(bearerAuth(apiKey))
	}
	internal.POST("/runs", s.submitRun)

	e.GET("/api/runs/:run_id/events", s.streamEvents)

	return s
}

// ServeHTTP lets Server be used directly as an http.Handler, e.g. under
// httptest.NewServer in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func bearerAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get("Authorization")
			if got != "Bearer "+apiKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// submitRunRequest carries both the RunRequest and the AgentDescriptor: the
// agent registry lives entirely outside this repo, so the control plane
// that owns it resolves the descriptor and hands it over inline rather than
// this core keeping its own copy to look up by agent_id.
type submitRunRequest struct {
	Run        nightshift.RunRequest      `json:"run"`
	Descriptor nightshift.AgentDescriptor `json:"descriptor"`
}

// submitRun hands a run to the orchestrator. It runs Execute in the
// background and returns immediately; callers follow up with the events
// stream to learn the outcome.
func (s *Server) submitRun(c echo.Context) error {
	var req submitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed run request")
	}
	if req.Run.RunID == "" || req.Run.AgentID == "" || req.Run.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run.runId, run.agentId, and run.prompt are required")
	}
	if req.Descriptor.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "descriptor.agentId is required")
	}

	go func() {
		// Detached from the HTTP request's lifetime: a run continues until
		// the guest emits a terminal event or its VM crashes, regardless of
		// whether the submitting client is still connected.
		_ = s.orch.Execute(context.Background(), req.Run, req.Descriptor, s.onComplete)
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"runId": req.Run.RunID, "status": "accepted"})
}

// streamEvents opens the SSE stream for a run and reaps its buffered
// records once the stream ends naturally (terminal event forwarded, or the
// run's done set and its tail exhausted). A subscriber disconnect cancels
// the request context instead, which is not treated as stream completion —
// the run keeps going and its records stay buffered for the next reap.
func (s *Server) streamEvents(c echo.Context) error {
	runID := c.Param("run_id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id is required")
	}

	err := s.bus.StreamSSE(c.Request().Context(), runID, c.Response())
	if err == nil {
		s.bus.Reap(runID)
	}
	return err
}
