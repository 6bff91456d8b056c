package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
)

// maxUploadBytes bounds uploaded documents and archives.
const maxUploadBytes = 256 << 20

// uploadSBOM ingests a pre-built SBOM document sent as the "file" part of a
// multipart form. By default the scan runs synchronously and the response
// carries the persisted record; with async=true the document is staged to
// blob storage and a worker job is queued instead.
func (s *Server) uploadSBOM(c echo.Context) error {
	doc, _, err := s.readUpload(c)
	if err != nil {
		return err
	}

	user := requestUser(c)
	projectID := c.FormValue("projectId")

	if c.QueryParam("async") == "true" {
		return s.queueUpload(c, user, projectID, doc)
	}

	result, err := s.pipeline.Ingest(c.Request().Context(), pipeline.Request{
		UserID:    user,
		ProjectID: projectID,
	}, doc)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, result.Record)
}

// queueUpload stages the document under a one-off key and hands it to the
// worker. The worker deletes the staged object after ingesting it.
func (s *Server) queueUpload(c echo.Context, user, projectID string, doc []byte) error {
	ctx := c.Request().Context()

	if projectID != "" {
		if _, err := s.records.GetProject(ctx, user, projectID); err != nil {
			return httpError(err)
		}
	}

	recordID := pipeline.NewRecordID(time.Now())
	uploadKey := "uploads/" + recordID

	if err := s.blobs.Put(ctx, uploadKey, doc, echo.MIMEApplicationJSON); err != nil {
		return httpError(fmt.Errorf("failed to stage upload: %w", err))
	}

	err := s.publisher.Publish(ctx, &messaging.IngestUpload{
		RecordID:  recordID,
		UserID:    user,
		ProjectID: projectID,
		UploadKey: uploadKey,
	})
	if err != nil {
		return httpError(fmt.Errorf("failed to queue ingest: %w", err))
	}

	return c.JSON(http.StatusAccepted, map[string]string{"recordId": recordID})
}

func (s *Server) listSBOMs(c echo.Context) error {
	records, err := s.records.ListSBOMsByOwner(c.Request().Context(), requestUser(c))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, records)
}

func (s *Server) getSBOM(c echo.Context) error {
	record, err := s.records.GetSBOM(c.Request().Context(), c.Param("id"), requestUser(c))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, record)
}

// getSBOMDocument streams the stored SBOM document. The record lookup carries
// the ownership check; the blob is only fetched after it passes.
func (s *Server) getSBOMDocument(c echo.Context) error {
	ctx := c.Request().Context()

	record, err := s.records.GetSBOM(ctx, c.Param("id"), requestUser(c))
	if err != nil {
		return httpError(err)
	}

	doc, err := s.blobs.Get(ctx, record.Location)
	if err != nil {
		return httpError(fmt.Errorf("failed to fetch SBOM document: %w", err))
	}

	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, doc)
}

func (s *Server) getSBOMReport(c echo.Context) error {
	ctx := c.Request().Context()

	record, err := s.records.GetSBOM(ctx, c.Param("id"), requestUser(c))
	if err != nil {
		return httpError(err)
	}
	if record.VulnReport == nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	report, err := s.blobs.Get(ctx, record.VulnReport.Location)
	if err != nil {
		return httpError(fmt.Errorf("failed to fetch scan report: %w", err))
	}

	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, report)
}

func (s *Server) deleteSBOM(c echo.Context) error {
	if err := s.pipeline.Delete(c.Request().Context(), c.Param("id"), requestUser(c)); err != nil {
		return httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// generate runs the full pipeline synchronously. Filesystem modes only ever
// see paths the server staged itself from the uploaded "file" part; a
// client-supplied target is accepted for image references alone, so no request
// can point the generation tool at an arbitrary server path.
func (s *Server) generate(c echo.Context) error {
	req := pipeline.Request{
		UserID:    requestUser(c),
		ProjectID: c.FormValue("projectId"),
		Mode:      c.FormValue("mode"),
		Format:    c.FormValue("format"),
	}

	switch req.Mode {
	case string(generator.ModeFile), pipeline.SourceArchive, string(generator.ModeOCIArchive):
		doc, filename, err := s.readUpload(c)
		if err != nil {
			return err
		}

		path, err := s.stageUpload(doc, filename)
		if err != nil {
			return httpError(err)
		}
		defer func() {
			if err := os.Remove(path); err != nil {
				s.logger.Error("Failed to remove staged upload", "path", path, "error", err)
			}
		}()

		req.Target = path
	case string(generator.ModeLocalImage), string(generator.ModeRegistryImage):
		req.Target = c.FormValue("target")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported mode %q", req.Mode))
	}

	result, err := s.pipeline.Run(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, result.Record)
}

// scanImage queues an asynchronous registry-image scan and returns the record
// id the worker will persist under.
func (s *Server) scanImage(c echo.Context) error {
	var body struct {
		Image     string `json:"image"`
		Format    string `json:"format"`
		ProjectID string `json:"projectId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").WithInternal(err)
	}
	if body.Image == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "image is required")
	}

	user := requestUser(c)

	// Reject dangling project links before queueing, while the caller can
	// still be told.
	if body.ProjectID != "" {
		if _, err := s.records.GetProject(c.Request().Context(), user, body.ProjectID); err != nil {
			return httpError(err)
		}
	}

	recordID := pipeline.NewRecordID(time.Now())

	err := s.publisher.Publish(c.Request().Context(), &messaging.ScanImage{
		RecordID:  recordID,
		UserID:    user,
		ProjectID: body.ProjectID,
		Image:     body.Image,
		Format:    body.Format,
	})
	if err != nil {
		return httpError(fmt.Errorf("failed to queue scan: %w", err))
	}

	return c.JSON(http.StatusAccepted, map[string]string{"recordId": recordID})
}

// readUpload reads the "file" part of a multipart form, bounded by
// maxUploadBytes.
func (s *Server) readUpload(c echo.Context) ([]byte, string, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, "file is required").WithInternal(err)
	}
	if fileHeader.Size > maxUploadBytes {
		return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", httpError(fmt.Errorf("failed to open upload: %w", err))
	}
	defer file.Close()

	doc, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, "", httpError(fmt.Errorf("failed to read upload: %w", err))
	}

	return doc, fileHeader.Filename, nil
}

// stageUpload writes an uploaded artifact to a temp file for the pipeline to
// consume. The caller removes it once the run finishes.
func (s *Server) stageUpload(doc []byte, filename string) (string, error) {
	staged, err := os.CreateTemp("", "delve-upload-*-"+filename)
	if err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}

	if _, err := staged.Write(doc); err != nil {
		staged.Close()
		os.Remove(staged.Name())

		return "", fmt.Errorf("failed to write staged upload: %w", err)
	}
	if err := staged.Close(); err != nil {
		os.Remove(staged.Name())

		return "", fmt.Errorf("failed to close staged upload: %w", err)
	}

	return staged.Name(), nil
}
