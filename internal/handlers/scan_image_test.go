package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/delvesec/delve/api/v1"
	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
)

type fakeRunner struct {
	runReq    pipeline.Request
	ingestReq pipeline.Request
	ingestDoc []byte
	err       error
}

func (r *fakeRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	r.runReq = req
	if r.err != nil {
		return &pipeline.Result{State: pipeline.StateFailed}, r.err
	}

	return &pipeline.Result{
		State:  pipeline.StateCleaned,
		Record: &apiv1.SBOMRecord{ID: req.RecordID, Owner: req.UserID},
	}, nil
}

func (r *fakeRunner) Ingest(_ context.Context, req pipeline.Request, doc []byte) (*pipeline.Result, error) {
	r.ingestReq = req
	r.ingestDoc = doc
	if r.err != nil {
		return &pipeline.Result{State: pipeline.StateFailed}, r.err
	}

	return &pipeline.Result{
		State:  pipeline.StateCleaned,
		Record: &apiv1.SBOMRecord{ID: req.RecordID, Owner: req.UserID},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanImageHandler(t *testing.T) {
	runner := &fakeRunner{}
	handler := NewScanImageHandler(runner, testLogger())

	err := handler.Handle(context.Background(), &messaging.ScanImage{
		RecordID:  "job-7.json",
		UserID:    "alice",
		ProjectID: "proj-1",
		Image:     "ghcr.io/delvesec/app:1.0",
		Format:    "spdx-json",
	})
	require.NoError(t, err)

	assert.Equal(t, pipeline.Request{
		RecordID:  "job-7.json",
		UserID:    "alice",
		ProjectID: "proj-1",
		Mode:      string(generator.ModeRegistryImage),
		Target:    "ghcr.io/delvesec/app:1.0",
		Format:    "spdx-json",
	}, runner.runReq)
}

func TestScanImageHandlerPipelineFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("generation failed")}
	handler := NewScanImageHandler(runner, testLogger())

	err := handler.Handle(context.Background(), &messaging.ScanImage{
		RecordID: "job-8.json",
		UserID:   "alice",
		Image:    "ghcr.io/delvesec/app:1.0",
	})
	assert.ErrorContains(t, err, "generation failed")
}

func TestScanImageHandlerWrongMessageType(t *testing.T) {
	handler := NewScanImageHandler(&fakeRunner{}, testLogger())

	err := handler.Handle(context.Background(), &messaging.IngestUpload{})
	assert.ErrorContains(t, err, "unexpected message type")
}
