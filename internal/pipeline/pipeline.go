// Package pipeline sequences artifact ingestion: workspace allocation, archive
// extraction, SBOM generation, vulnerability scanning, blob upload, and record
// persistence, with workspace cleanup guaranteed on every exit path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	apiv1 "github.com/delvesec/delve/api/v1"
	"github.com/delvesec/delve/internal/blob"
	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/metadata"
	"github.com/delvesec/delve/internal/scanner"
)

// ErrValidation indicates missing or malformed request input. It is surfaced
// before any side effect.
var ErrValidation = errors.New("invalid request")

// SourceArchive is the extra input mode on top of the generator's own modes:
// a compressed artifact that is expanded before directory-mode generation.
const SourceArchive = "archive"

// State tracks how far a run progressed, for logging and responses.
type State string

const (
	StateReceived         State = "Received"
	StateArchiveExtracted State = "ArchiveExtracted"
	StateGenerated        State = "Generated"
	StateScanStarted      State = "ScanStarted"
	StateScanCompleted    State = "ScanCompleted"
	StatePersisted        State = "Persisted"
	StateCleaned          State = "Cleaned"
	StateFailed           State = "Failed"
)

type Generator interface {
	Generate(ctx context.Context, mode generator.Mode, target, format string) (string, error)
}

type Scanner interface {
	Scan(ctx context.Context, sbomPath string) (*scanner.Report, error)
}

type Extractor interface {
	Extract(archivePath string) (string, error)
}

type Workspace interface {
	Allocate(prefix string) string
	Release(path string) error
}

type RecordStore interface {
	PutSBOM(ctx context.Context, record *apiv1.SBOMRecord) error
	DeleteSBOM(ctx context.Context, id, requestingUser string) (*apiv1.SBOMRecord, error)
	GetProject(ctx context.Context, owner, projectID string) (*apiv1.Project, error)
}

// Pipeline runs ingestions against explicitly injected collaborators, so tests
// substitute fakes for the external tools and stores.
type Pipeline struct {
	workspace Workspace
	extractor Extractor
	generator Generator
	scanner   Scanner
	blobs     blob.Store
	records   RecordStore
	logger    *slog.Logger

	now func() time.Time
}

func New(
	workspace Workspace,
	extractor Extractor,
	gen Generator,
	scan Scanner,
	blobs blob.Store,
	records RecordStore,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		workspace: workspace,
		extractor: extractor,
		generator: gen,
		scanner:   scan,
		blobs:     blobs,
		records:   records,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
	}
}

// Request describes one ingestion. Mode is one of the generator modes or
// SourceArchive. RecordID may be pre-assigned for async runs; when empty a
// unique id is generated at persistence time.
type Request struct {
	RecordID  string
	UserID    string
	ProjectID string
	Mode      string
	Target    string
	Format    string
}

// Result reports the terminal state of a run. State is StateCleaned on
// success and StateFailed otherwise; FailedAt records where a failed run
// stopped.
type Result struct {
	State    State
	FailedAt State
	Record   *apiv1.SBOMRecord
}

// Run executes the full pipeline for one artifact. Every workspace path
// allocated along the way is released exactly once before Run returns,
// regardless of where the run fails; release errors are logged and never mask
// the run's outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	state := StateReceived

	var cleanupPaths []string
	defer func() {
		for _, path := range cleanupPaths {
			if err := p.workspace.Release(path); err != nil {
				p.logger.Error("Failed to release workspace path", "path", path, "error", err)
			}
		}
	}()

	fail := func(err error) (*Result, error) {
		p.logger.Error("Pipeline run failed", "state", string(state), "user", req.UserID, "error", err)

		return &Result{State: StateFailed, FailedAt: state}, err
	}

	if err := p.validate(ctx, req); err != nil {
		return fail(err)
	}

	mode, target := generator.Mode(req.Mode), req.Target
	if req.Mode != SourceArchive {
		parsed, err := generator.ParseMode(req.Mode)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrValidation, err))
		}
		mode = parsed
	}
	if target == "" {
		return fail(fmt.Errorf("%w: missing target", ErrValidation))
	}

	if req.Mode == SourceArchive {
		dir, err := p.extractor.Extract(req.Target)
		if err != nil {
			return fail(err)
		}
		cleanupPaths = append(cleanupPaths, dir)
		state = StateArchiveExtracted
		mode, target = generator.ModeDirectory, dir
	}

	docPath, err := p.generator.Generate(ctx, mode, target, req.Format)
	if err != nil {
		return fail(err)
	}
	cleanupPaths = append(cleanupPaths, docPath)
	state = StateGenerated

	doc, err := os.ReadFile(docPath)
	if err != nil {
		return fail(fmt.Errorf("failed to read generated SBOM: %w", err))
	}

	state = StateScanStarted
	report, err := p.scanner.Scan(ctx, docPath)
	if err != nil {
		// A generated-but-unscanned SBOM is never persisted: the record
		// contract always includes a scan.
		return fail(err)
	}
	state = StateScanCompleted

	record, err := p.persist(ctx, req, doc, report)
	if err != nil {
		return fail(err)
	}
	state = StatePersisted

	p.logger.Info("Pipeline run complete", "record", record.ID, "user", req.UserID)

	return &Result{State: StateCleaned, Record: record}, nil
}

// Ingest processes a pre-existing SBOM document uploaded by the user: no
// generation, straight to scan and persistence. The document is written to a
// workspace file for the scan tool and released afterwards.
func (p *Pipeline) Ingest(ctx context.Context, req Request, doc []byte) (*Result, error) {
	state := StateReceived

	var cleanupPaths []string
	defer func() {
		for _, path := range cleanupPaths {
			if err := p.workspace.Release(path); err != nil {
				p.logger.Error("Failed to release workspace path", "path", path, "error", err)
			}
		}
	}()

	fail := func(err error) (*Result, error) {
		p.logger.Error("SBOM ingest failed", "state", string(state), "user", req.UserID, "error", err)

		return &Result{State: StateFailed, FailedAt: state}, err
	}

	if err := p.validate(ctx, req); err != nil {
		return fail(err)
	}
	if len(doc) == 0 {
		return fail(fmt.Errorf("%w: empty document", ErrValidation))
	}

	docPath := p.workspace.Allocate("upload") + ".json"
	if err := os.WriteFile(docPath, doc, 0o600); err != nil {
		return fail(fmt.Errorf("failed to write uploaded SBOM: %w", err))
	}
	cleanupPaths = append(cleanupPaths, docPath)

	state = StateScanStarted
	report, err := p.scanner.Scan(ctx, docPath)
	if err != nil {
		return fail(err)
	}
	state = StateScanCompleted

	record, err := p.persist(ctx, req, doc, report)
	if err != nil {
		return fail(err)
	}
	state = StatePersisted

	p.logger.Info("SBOM ingested", "record", record.ID, "user", req.UserID)

	return &Result{State: StateCleaned, Record: record}, nil
}

// Delete removes a record and cascades to its blobs. The store delete carries
// the ownership condition; blob deletions after a successful record delete are
// best-effort, since the record is already gone and a retry could not find it.
func (p *Pipeline) Delete(ctx context.Context, recordID, userID string) error {
	record, err := p.records.DeleteSBOM(ctx, recordID, userID)
	if err != nil {
		return err
	}

	if err := p.blobs.Delete(ctx, record.Location); err != nil {
		p.logger.Error("Failed to delete SBOM blob", "key", record.Location, "error", err)
	}
	if record.VulnReport != nil {
		if err := p.blobs.Delete(ctx, record.VulnReport.Location); err != nil {
			p.logger.Error("Failed to delete report blob", "key", record.VulnReport.Location, "error", err)
		}
	}

	return nil
}

// validate checks request shape and, when a project link is present, that the
// project exists and belongs to the caller.
func (p *Pipeline) validate(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrValidation)
	}

	if req.ProjectID != "" {
		if _, err := p.records.GetProject(ctx, req.UserID, req.ProjectID); err != nil {
			return fmt.Errorf("project %q: %w", req.ProjectID, err)
		}
	}

	return nil
}

// persist uploads the document and report blobs, then writes the record. A
// record write failure after the uploads leaves orphaned blobs behind; that is
// logged and accepted rather than rolled back, favoring idempotent retries
// over a multi-resource transaction.
func (p *Pipeline) persist(ctx context.Context, req Request, doc []byte, report *scanner.Report) (*apiv1.SBOMRecord, error) {
	now := p.now()

	recordID := req.RecordID
	if recordID == "" {
		recordID = NewRecordID(now)
	}

	summary := metadata.ExtractSBOM(doc, now)

	sbomKey := blob.SBOMKey(recordID)
	if err := p.blobs.Put(ctx, sbomKey, doc, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to upload SBOM document: %w", err)
	}

	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan report: %w", err)
	}
	reportKey := blob.VulnReportKey(recordID)
	if err := p.blobs.Put(ctx, reportKey, reportBytes, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to upload scan report: %w", err)
	}

	vuln := metadata.ExtractVuln(report)
	severityCounts := metadata.NormalizeSeverityCounts(vuln.SeverityCounts)

	record := &apiv1.SBOMRecord{
		ID:        recordID,
		Owner:     req.UserID,
		ProjectID: req.ProjectID,
		Name:      summary.Name,
		SpecID:    summary.SpecID,
		CreatedAt: summary.CreatedAt,
		Location:  sbomKey,
		VulnReport: &apiv1.VulnReportSummary{
			Location:        reportKey,
			Total:           vuln.Total,
			SeverityCounts:  severityCounts,
			HighestSeverity: metadata.HighestSeverity(severityCounts),
		},
	}

	if err := p.records.PutSBOM(ctx, record); err != nil {
		p.logger.Error("Record write failed after blob upload, blobs orphaned",
			"sbom", sbomKey,
			"report", reportKey,
			"error", err,
		)

		return nil, fmt.Errorf("failed to persist SBOM record: %w", err)
	}

	return record, nil
}

// NewRecordID derives a unique record id from the ingestion time plus a
// random component, mirroring upload filenames. The API server calls it up
// front for async jobs so the id can be returned before the work runs.
func NewRecordID(now time.Time) string {
	return fmt.Sprintf("%d_%s.json", now.UnixMilli(), uuid.NewString()[:8])
}
