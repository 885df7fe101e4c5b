package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type stepActionRequest struct {
	Actor  string         `json:"actor,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// CompleteStep records the completion of a waiting step, merging the body's
// data into the instance's workflow data.
// (POST /api/v1/steps/:id/complete)
func (s *Server) CompleteStep(c echo.Context) error {
	var req stepActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	err := s.engine.CompleteStep(c.Request().Context(), c.Param("id"), actorOf(c, req.Actor), req.Data)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SkipStep skips a waiting step.
// (POST /api/v1/steps/:id/skip)
func (s *Server) SkipStep(c echo.Context) error {
	var req stepActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	err := s.engine.SkipStep(c.Request().Context(), c.Param("id"), actorOf(c, req.Actor), req.Reason)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// FailStep records an explicit failure of a waiting step.
// (POST /api/v1/steps/:id/fail)
func (s *Server) FailStep(c echo.Context) error {
	var req stepActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	err := s.engine.FailStep(c.Request().Context(), c.Param("id"), actorOf(c, req.Actor), req.Reason)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListApprovals returns the approval records of a step instance.
// (GET /api/v1/steps/:id/approvals)
func (s *Server) ListApprovals(c echo.Context) error {
	approvals, err := s.engine.ListApprovals(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approvals)
}

type approvalRequest struct {
	ApproverID string `json:"approver_id"`
	Comments   string `json:"comments,omitempty"`
}

// Approve records an approval response.
// (POST /api/v1/approvals/:id/approve)
func (s *Server) Approve(c echo.Context) error {
	return s.respond(c, true)
}

// Reject records a rejection response.
// (POST /api/v1/approvals/:id/reject)
func (s *Server) Reject(c echo.Context) error {
	return s.respond(c, false)
}

func (s *Server) respond(c echo.Context, approve bool) error {
	var req approvalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	approver := actorOf(c, req.ApproverID)
	if approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver_id is required")
	}
	err := s.engine.RespondApproval(c.Request().Context(), c.Param("id"), approver, approve, req.Comments)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
