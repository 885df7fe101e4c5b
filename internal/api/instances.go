package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/warekit/procflow/internal/engine"
	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

type startInstanceRequest struct {
	DefinitionID   string         `json:"definition_id,omitempty"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id"`
	Data           map[string]any `json:"data,omitempty"`
	InitiatedBy    string         `json:"initiated_by,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// StartInstance triggers a new workflow instance. With an idempotency key, a
// duplicate trigger returns the instance the first trigger created with 200
// instead of starting a second one.
// (POST /api/v1/instances)
func (s *Server) StartInstance(c echo.Context) error {
	var req startInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()

	key := req.IdempotencyKey
	if key == "" {
		key = c.Request().Header.Get("Idempotency-Key")
	}
	claim, err := s.gate.Take(ctx, key, req)
	if err != nil {
		return err
	}
	if !claim.Claimed {
		inst, err := s.engine.Instance(ctx, claim.ExistingInstanceID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, inst)
	}

	inst, err := s.engine.Start(ctx, engine.StartRequest{
		DefinitionID: req.DefinitionID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Data:         req.Data,
		InitiatedBy:  actorOf(c, req.InitiatedBy),
		Priority:     req.Priority,
		DueDate:      req.DueDate,
	})
	if err != nil {
		return err
	}
	if err := s.gate.Attach(ctx, key, inst.ID); err != nil {
		s.logger.Warn("attaching instance to idempotency key failed",
			"key", key, "instance_id", inst.ID, "error", err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// ListInstances lists instances with optional filters.
// (GET /api/v1/instances?status=&definition_id=&entity_type=&entity_id=&since=)
func (s *Server) ListInstances(c echo.Context) error {
	filter := store.InstanceFilter{
		DefinitionID: c.QueryParam("definition_id"),
		EntityType:   c.QueryParam("entity_type"),
		EntityID:     c.QueryParam("entity_id"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := schema.InstanceStatus(raw)
		filter.Status = &status
	}
	since, err := parseTimeParam(c, "since")
	if err != nil {
		return err
	}
	filter.Since = since
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	instances, err := s.engine.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, instances)
}

// GetInstance returns one instance.
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.engine.Instance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ListSteps returns the step activations of one instance.
// (GET /api/v1/instances/:id/steps)
func (s *Server) ListSteps(c echo.Context) error {
	steps, err := s.engine.ListStepInstances(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, steps)
}

// ListTransitions returns the ordered transition audit log of one instance.
// (GET /api/v1/instances/:id/transitions)
func (s *Server) ListTransitions(c echo.Context) error {
	transitions, err := s.engine.ListTransitions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transitions)
}

// PauseInstance suspends an in-progress instance.
// (POST /api/v1/instances/:id/pause)
func (s *Server) PauseInstance(c echo.Context) error {
	if err := s.engine.Pause(c.Request().Context(), c.Param("id"), actorOf(c, "")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ResumeInstance returns a paused instance to in_progress.
// (POST /api/v1/instances/:id/resume)
func (s *Server) ResumeInstance(c echo.Context) error {
	if err := s.engine.Resume(c.Request().Context(), c.Param("id"), actorOf(c, "")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelInstance terminates an instance and its open steps.
// (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.engine.Cancel(c.Request().Context(), c.Param("id"), actorOf(c, ""), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RetryInstance re-dispatches the failed steps of a failed instance.
// (POST /api/v1/instances/:id/retry)
func (s *Server) RetryInstance(c echo.Context) error {
	if err := s.engine.Retry(c.Request().Context(), c.Param("id"), actorOf(c, "")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
