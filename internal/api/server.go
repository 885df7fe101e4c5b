// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/warekit/procflow/internal/engine"
	"github.com/warekit/procflow/internal/idempotency"
	"github.com/warekit/procflow/pkg/schema"
)

// Server holds the API's dependencies.
type Server struct {
	engine *engine.Supervisor
	gate   *idempotency.Gate
	logger *slog.Logger
	echo   *echo.Echo
}

func NewServer(sup *engine.Supervisor, gate *idempotency.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: sup, gate: gate, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/api/v1")

	v1.POST("/definitions", s.CreateDefinition)
	v1.GET("/definitions", s.ListDefinitions)
	v1.GET("/definitions/:id", s.GetDefinition)
	v1.GET("/definitions/:id/export", s.ExportDefinition)
	v1.GET("/definitions/:id/diagram", s.DefinitionDiagram)
	v1.POST("/definitions/:id/activate", s.ActivateDefinition)
	v1.POST("/definitions/:id/deactivate", s.DeactivateDefinition)
	v1.POST("/definitions/:id/archive", s.ArchiveDefinition)
	v1.POST("/definitions/:id/clone", s.CloneDefinition)
	v1.POST("/definitions/validate", s.ValidateDefinition)

	v1.POST("/instances", s.StartInstance)
	v1.GET("/instances", s.ListInstances)
	v1.GET("/instances/:id", s.GetInstance)
	v1.GET("/instances/:id/steps", s.ListSteps)
	v1.GET("/instances/:id/transitions", s.ListTransitions)
	v1.GET("/instances/:id/diagram", s.InstanceDiagram)
	v1.POST("/instances/:id/pause", s.PauseInstance)
	v1.POST("/instances/:id/resume", s.ResumeInstance)
	v1.POST("/instances/:id/cancel", s.CancelInstance)
	v1.POST("/instances/:id/retry", s.RetryInstance)

	v1.POST("/steps/:id/complete", s.CompleteStep)
	v1.POST("/steps/:id/skip", s.SkipStep)
	v1.POST("/steps/:id/fail", s.FailStep)
	v1.GET("/steps/:id/approvals", s.ListApprovals)

	v1.POST("/approvals/:id/approve", s.Approve)
	v1.POST("/approvals/:id/reject", s.Reject)

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleError maps engine error codes onto HTTP statuses.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, map[string]any{"error": he.Message})
		return
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		body := map[string]any{
			"code":    ee.Code,
			"message": ee.Message,
		}
		if ee.StepCode != "" {
			body["step_code"] = ee.StepCode
		}
		if len(ee.Details) > 0 {
			body["details"] = ee.Details
		}
		_ = c.JSON(statusFor(ee.Code), body)
		return
	}

	s.logger.Error("request failed",
		"method", c.Request().Method,
		"path", c.Path(),
		"error", err.Error())
	_ = c.JSON(http.StatusInternalServerError, map[string]any{
		"code":    schema.ErrCodeExecution,
		"message": "internal error",
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeDefinition:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeDuplicateTrigger:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// actorOf resolves the acting user from the request. Deployments put an
// authenticating proxy in front; the header is its verified identity.
func actorOf(c echo.Context, fallback string) string {
	if actor := c.Request().Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return fallback
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return &t, nil
}
