// Package scanner runs the external vulnerability scan tool (grype) against a
// materialized SBOM document and parses its JSON report.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

var (
	// ErrToolFailed indicates a non-zero exit from the scan tool.
	ErrToolFailed = errors.New("scan tool failed")
	// ErrMalformedOutput indicates the tool exited zero but its output did not
	// parse as a report. The raw output is kept in the error for diagnostics.
	ErrMalformedOutput = errors.New("scan tool produced malformed output")
)

// Report is the scan tool's match report. Nested fields the tool only emits
// for some ecosystems are pointers or slices, never trusted to be present.
type Report struct {
	Matches    []Match     `json:"matches"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

type Match struct {
	Vulnerability Vulnerability `json:"vulnerability"`
	Artifact      Artifact      `json:"artifact"`
}

type Vulnerability struct {
	ID          string   `json:"id"`
	Severity    string   `json:"severity"`
	DataSource  string   `json:"dataSource,omitempty"`
	Description string   `json:"description,omitempty"`
	Fix         *Fix     `json:"fix,omitempty"`
	CVSS        []CVSS   `json:"cvss,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

type Fix struct {
	State    string   `json:"state,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

type CVSS struct {
	Version string `json:"version,omitempty"`
	Vector  string `json:"vector,omitempty"`
	Metrics struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"metrics"`
}

type Artifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
	PURL    string `json:"purl,omitempty"`
}

type Descriptor struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type Scanner struct {
	toolPath string
	timeout  time.Duration
	logger   *slog.Logger
}

func New(toolPath string, timeout time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		toolPath: toolPath,
		timeout:  timeout,
		logger:   logger.With("component", "scanner"),
	}
}

// Scan invokes the scan tool against the SBOM document at sbomPath and returns
// the parsed report. The report arrives on stdout per the tool contract; it is
// bounded in practice, unlike SBOM documents, so capturing it is fine.
func (s *Scanner) Scan(ctx context.Context, sbomPath string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.toolPath, sbomPath, "-o", "json")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("Scanning SBOM", "path", sbomPath)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("scan timed out after %s: %w", s.timeout, ctxErr)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrToolFailed, stderr.String(), err)
	}

	report := &Report{}
	if err := json.Unmarshal(stdout.Bytes(), report); err != nil {
		return nil, fmt.Errorf("%w: %w: raw output: %s", ErrMalformedOutput, err, stdout.String())
	}

	return report, nil
}
