package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// CreateDefinition stores a definition as a new version.
// (POST /api/v1/definitions)
func (s *Server) CreateDefinition(c echo.Context) error {
	var spec schema.WorkflowDefinition
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	def, err := s.engine.SaveDefinition(c.Request().Context(), &spec, actorOf(c, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, def)
}

// ListDefinitions lists definition versions.
// (GET /api/v1/definitions?entity_type=&active=true)
func (s *Server) ListDefinitions(c echo.Context) error {
	filter := store.DefinitionFilter{
		EntityType: c.QueryParam("entity_type"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	defs, err := s.engine.ListDefinitions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, defs)
}

// GetDefinition returns one definition version; without ?version= it
// returns the active version.
// (GET /api/v1/definitions/:id)
func (s *Server) GetDefinition(c echo.Context) error {
	version, err := versionParam(c)
	if err != nil {
		return err
	}
	def, err := s.engine.Definition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// ExportDefinition renders a definition version as portable JSON.
// (GET /api/v1/definitions/:id/export)
func (s *Server) ExportDefinition(c echo.Context) error {
	version, err := versionParam(c)
	if err != nil {
		return err
	}
	raw, err := s.engine.ExportDefinition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

// ActivateDefinition validates and activates a definition version.
// (POST /api/v1/definitions/:id/activate)
func (s *Server) ActivateDefinition(c echo.Context) error {
	var req struct {
		Version int `json:"version"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be positive")
	}
	def, err := s.engine.ActivateDefinition(c.Request().Context(), c.Param("id"), req.Version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// DeactivateDefinition retires the active version.
// (POST /api/v1/definitions/:id/deactivate)
func (s *Server) DeactivateDefinition(c echo.Context) error {
	if err := s.engine.DeactivateDefinition(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ArchiveDefinition archives a definition with no running instances.
// (POST /api/v1/definitions/:id/archive)
func (s *Server) ArchiveDefinition(c echo.Context) error {
	if err := s.engine.ArchiveDefinition(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// CloneDefinition copies a definition version into a new definition.
// (POST /api/v1/definitions/:id/clone)
func (s *Server) CloneDefinition(c echo.Context) error {
	var req struct {
		Version int    `json:"version,omitempty"`
		Name    string `json:"name,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	def, err := s.engine.CloneDefinition(c.Request().Context(), c.Param("id"), req.Version, req.Name, actorOf(c, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, def)
}

// ValidateDefinition dry-runs activation validation without storing
// anything, returning errors and warnings.
// (POST /api/v1/definitions/validate)
func (s *Server) ValidateDefinition(c echo.Context) error {
	var spec schema.WorkflowDefinition
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	result := s.engine.Validator().Validate(&spec)
	return c.JSON(http.StatusOK, result)
}

func versionParam(c echo.Context) (int, error) {
	raw := c.QueryParam("version")
	if raw == "" {
		return 0, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "version must be a non-negative integer")
	}
	return version, nil
}
