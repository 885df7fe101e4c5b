package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/warekit/procflow/internal/diagram"
)

// DefinitionDiagram renders a definition version as a Mermaid flowchart.
// (GET /api/v1/definitions/:id/diagram)
func (s *Server) DefinitionDiagram(c echo.Context) error {
	version, err := versionParam(c)
	if err != nil {
		return err
	}
	def, err := s.engine.Definition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return err
	}
	model := diagram.Build(&def.Spec)
	return c.String(http.StatusOK, diagram.RenderMermaid(model))
}

// InstanceDiagram renders an instance's definition with each step coloured
// by its current status.
// (GET /api/v1/instances/:id/diagram)
func (s *Server) InstanceDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	inst, err := s.engine.Instance(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	def, err := s.engine.Definition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	steps, err := s.engine.ListStepInstances(ctx, inst.ID)
	if err != nil {
		return err
	}
	model := diagram.Build(&def.Spec)
	diagram.Overlay(model, steps)
	return c.String(http.StatusOK, diagram.RenderMermaid(model))
}
