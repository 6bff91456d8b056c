// Package handlers contains the worker-side job handlers dispatched by the
// messaging subscriber.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
)

// PipelineRunner is the slice of the pipeline the handlers need.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Ingest(ctx context.Context, req pipeline.Request, doc []byte) (*pipeline.Result, error)
}

type ScanImageHandler struct {
	pipeline PipelineRunner
	logger   *slog.Logger
}

func NewScanImageHandler(p PipelineRunner, logger *slog.Logger) *ScanImageHandler {
	return &ScanImageHandler{
		pipeline: p,
		logger:   logger.With("component", "scan_image_handler"),
	}
}

func (h *ScanImageHandler) NewMessage() messaging.Message {
	return &messaging.ScanImage{}
}

func (h *ScanImageHandler) Handle(ctx context.Context, message messaging.Message) error {
	scanImage, ok := message.(*messaging.ScanImage)
	if !ok {
		return fmt.Errorf("unexpected message type: %T", message)
	}

	h.logger.DebugContext(ctx, "Image scan requested",
		"record", scanImage.RecordID,
		"user", scanImage.UserID,
		"image", scanImage.Image,
	)

	result, err := h.pipeline.Run(ctx, pipeline.Request{
		RecordID:  scanImage.RecordID,
		UserID:    scanImage.UserID,
		ProjectID: scanImage.ProjectID,
		Mode:      string(generator.ModeRegistryImage),
		Target:    scanImage.Image,
		Format:    scanImage.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to scan image %q: %w", scanImage.Image, err)
	}

	h.logger.InfoContext(ctx, "Image scan complete",
		"record", result.Record.ID,
		"image", scanImage.Image,
	)

	return nil
}
