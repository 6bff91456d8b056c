// Package api exposes the SBOM pipeline and ownership store over HTTP. Every
// route is authenticated; the verified user id scopes all reads and writes, so
// a request can never observe whether a foreign resource exists.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	apiv1 "github.com/delvesec/delve/api/v1"
	"github.com/delvesec/delve/internal/archive"
	"github.com/delvesec/delve/internal/blob"
	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
	"github.com/delvesec/delve/internal/scanner"
	"github.com/delvesec/delve/internal/store"
)

// Records is the slice of the ownership store the HTTP layer uses.
type Records interface {
	GetSBOM(ctx context.Context, id, requestingUser string) (*apiv1.SBOMRecord, error)
	ListSBOMsByOwner(ctx context.Context, owner string) ([]apiv1.SBOMRecord, error)
	ListSBOMsByProject(ctx context.Context, projectID string) ([]apiv1.SBOMRecord, error)
	CreateProject(ctx context.Context, project *apiv1.Project) error
	GetProject(ctx context.Context, owner, projectID string) (*apiv1.Project, error)
	ListProjects(ctx context.Context, owner string) ([]apiv1.Project, error)
	UpdateProject(ctx context.Context, owner, projectID string, patch apiv1.ProjectPatch, now time.Time) (*apiv1.Project, error)
	DeleteProject(ctx context.Context, owner, projectID string) error
}

// Publisher queues asynchronous jobs for the worker.
type Publisher interface {
	Publish(ctx context.Context, message messaging.Message) error
}

// Pipeline is the slice of the ingestion pipeline the HTTP layer uses.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Ingest(ctx context.Context, req pipeline.Request, doc []byte) (*pipeline.Result, error)
	Delete(ctx context.Context, recordID, userID string) error
}

type Server struct {
	echo      *echo.Echo
	records   Records
	pipeline  Pipeline
	publisher Publisher
	blobs     blob.Store
	logger    *slog.Logger
}

func NewServer(
	records Records,
	pl Pipeline,
	publisher Publisher,
	blobs blob.Store,
	verifier TokenVerifier,
	logger *slog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:      e,
		records:   records,
		pipeline:  pl,
		publisher: publisher,
		blobs:     blobs,
		logger:    logger.With("component", "api"),
	}

	g := e.Group("/api", authMiddleware(verifier))

	g.POST("/sboms", s.uploadSBOM)
	g.GET("/sboms", s.listSBOMs)
	g.GET("/sboms/:id", s.getSBOM)
	g.GET("/sboms/:id/document", s.getSBOMDocument)
	g.GET("/sboms/:id/report", s.getSBOMReport)
	g.DELETE("/sboms/:id", s.deleteSBOM)

	g.POST("/generate", s.generate)
	g.POST("/scans", s.scanImage)

	g.POST("/projects", s.createProject)
	g.GET("/projects", s.listProjects)
	g.GET("/projects/:id", s.getProject)
	g.PATCH("/projects/:id", s.updateProject)
	g.DELETE("/projects/:id", s.deleteProject)
	g.GET("/projects/:id/sboms", s.listProjectSBOMs)

	return s
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// httpError maps domain errors onto status codes. Not-found and unauthorized
// collapse into one 404 so ownership probes cannot distinguish "exists but not
// yours" from "does not exist".
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusNotFound, "not found").WithInternal(err)
	case errors.Is(err, store.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "already exists").WithInternal(err)
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, generator.ErrUnsupportedMode),
		errors.Is(err, archive.ErrCorruptArchive),
		errors.Is(err, archive.ErrExtractionFailed):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, generator.ErrToolFailed),
		errors.Is(err, generator.ErrOutputMissing),
		errors.Is(err, scanner.ErrToolFailed),
		errors.Is(err, scanner.ErrMalformedOutput):
		return echo.NewHTTPError(http.StatusBadGateway, "analysis tooling failed").WithInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").WithInternal(err)
	}
}
