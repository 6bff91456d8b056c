package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apiv1 "github.com/delvesec/delve/api/v1"
)

func (s *Server) createProject(c echo.Context) error {
	var body struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").WithInternal(err)
	}
	if body.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if body.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	now := time.Now()
	project := &apiv1.Project{
		Owner:       requestUser(c),
		ID:          body.ID,
		Name:        body.Name,
		Description: body.Description,
		Tags:        body.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.records.CreateProject(c.Request().Context(), project); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c echo.Context) error {
	projects, err := s.records.ListProjects(c.Request().Context(), requestUser(c))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, projects)
}

func (s *Server) getProject(c echo.Context) error {
	project, err := s.records.GetProject(c.Request().Context(), requestUser(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, project)
}

func (s *Server) updateProject(c echo.Context) error {
	var patch apiv1.ProjectPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").WithInternal(err)
	}
	if patch.IsEmpty() {
		return echo.NewHTTPError(http.StatusBadRequest, "empty patch")
	}

	project, err := s.records.UpdateProject(c.Request().Context(), requestUser(c), c.Param("id"), patch, time.Now())
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, project)
}

// deleteProject removes the project only. Records that pointed at it keep
// their project id; they are not deleted or unlinked.
func (s *Server) deleteProject(c echo.Context) error {
	if err := s.records.DeleteProject(c.Request().Context(), requestUser(c), c.Param("id")); err != nil {
		return httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// listProjectSBOMs returns the project's records in ascending ingestion
// order. The project lookup runs first so a foreign project id yields the
// same 404 as a missing one.
func (s *Server) listProjectSBOMs(c echo.Context) error {
	ctx := c.Request().Context()

	project, err := s.records.GetProject(ctx, requestUser(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	records, err := s.records.ListSBOMsByProject(ctx, project.ID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, records)
}
