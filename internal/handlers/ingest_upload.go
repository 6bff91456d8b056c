package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/delvesec/delve/internal/blob"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
)

type IngestUploadHandler struct {
	pipeline PipelineRunner
	blobs    blob.Store
	logger   *slog.Logger
}

func NewIngestUploadHandler(p PipelineRunner, blobs blob.Store, logger *slog.Logger) *IngestUploadHandler {
	return &IngestUploadHandler{
		pipeline: p,
		blobs:    blobs,
		logger:   logger.With("component", "ingest_upload_handler"),
	}
}

func (h *IngestUploadHandler) NewMessage() messaging.Message {
	return &messaging.IngestUpload{}
}

func (h *IngestUploadHandler) Handle(ctx context.Context, message messaging.Message) error {
	ingest, ok := message.(*messaging.IngestUpload)
	if !ok {
		return fmt.Errorf("unexpected message type: %T", message)
	}

	h.logger.DebugContext(ctx, "Upload ingest requested",
		"record", ingest.RecordID,
		"user", ingest.UserID,
		"key", ingest.UploadKey,
	)

	doc, err := h.blobs.Get(ctx, ingest.UploadKey)
	if err != nil {
		return fmt.Errorf("failed to fetch upload %q: %w", ingest.UploadKey, err)
	}

	result, err := h.pipeline.Ingest(ctx, pipeline.Request{
		RecordID:  ingest.RecordID,
		UserID:    ingest.UserID,
		ProjectID: ingest.ProjectID,
	}, doc)
	if err != nil {
		return fmt.Errorf("failed to ingest upload %q: %w", ingest.UploadKey, err)
	}

	// The staging upload is no longer needed once the document lives at its
	// final key.
	if err := h.blobs.Delete(ctx, ingest.UploadKey); err != nil {
		h.logger.ErrorContext(ctx, "Failed to delete staged upload", "key", ingest.UploadKey, "error", err)
	}

	h.logger.InfoContext(ctx, "Upload ingest complete", "record", result.Record.ID)

	return nil
}
