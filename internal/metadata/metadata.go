// Package metadata derives the compact summaries persisted alongside SBOM
// documents and vulnerability reports. Missing fields fall back to documented
// defaults; external tools do not always emit complete documents.
package metadata

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	spdxjson "github.com/spdx/tools-golang/json"

	"github.com/delvesec/delve/internal/scanner"
)

const (
	// UnknownSpecID is used when the document carries no spec identifier.
	UnknownSpecID = "Unknown"
	// UnnamedSBOM is used when the document carries no name.
	UnnamedSBOM = "Unnamed SBOM"

	// topFindingsLimit bounds the quick-display list of critical/high findings.
	topFindingsLimit = 5
)

// severityPrecedence is the fixed total order used to pick the highest
// severity. It is walked in order; never replace this with a string sort.
var severityPrecedence = []string{"critical", "high", "medium", "low", "unknown"}

// Summary is the identity metadata extracted from an SBOM document.
type Summary struct {
	SpecID    string    `json:"specId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// VulnSummary is the aggregate derived from a scan report. It is computed once
// at ingestion time and never recomputed unless the SBOM is rescanned.
type VulnSummary struct {
	Total             int               `json:"totalVulnerabilities"`
	SeverityCounts    map[string]int    `json:"severityCounts"`
	AffectedPackages  []AffectedPackage `json:"affectedPackages"`
	TopFindings       []Finding         `json:"topFindings"`
	PackageTypeCounts map[string]int    `json:"packageTypeCounts"`
	ScannerVersion    string            `json:"scannerVersion"`
}

type AffectedPackage struct {
	Name     string `json:"packageName"`
	Version  string `json:"packageVersion"`
	Type     string `json:"packageType"`
	Severity string `json:"severity"`
	CVE      string `json:"cve"`
}

type Finding struct {
	CVE      string `json:"cve"`
	Severity string `json:"severity"`
	Package  string `json:"packageName"`
}

// ExtractSBOM pulls identity fields out of a raw SBOM document. SPDX and
// CycloneDX JSON are recognized; anything else gets full fallbacks with the
// ingestion time as creation timestamp.
func ExtractSBOM(doc []byte, now time.Time) Summary {
	var probe struct {
		SPDXVersion string `json:"spdxVersion"`
		BOMFormat   string `json:"bomFormat"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return Summary{SpecID: UnknownSpecID, Name: UnnamedSBOM, CreatedAt: now}
	}

	switch {
	case probe.SPDXVersion != "":
		return extractSPDX(doc, now)
	case probe.BOMFormat != "":
		return extractCycloneDX(doc, now)
	default:
		return Summary{SpecID: UnknownSpecID, Name: UnnamedSBOM, CreatedAt: now}
	}
}

func extractSPDX(doc []byte, now time.Time) Summary {
	summary := Summary{SpecID: UnknownSpecID, Name: UnnamedSBOM, CreatedAt: now}

	spdxDoc, err := spdxjson.Read(bytes.NewReader(doc))
	if err != nil {
		return summary
	}

	if spdxDoc.SPDXVersion != "" {
		summary.SpecID = spdxDoc.SPDXVersion
	}
	if spdxDoc.DocumentName != "" {
		summary.Name = spdxDoc.DocumentName
	}
	if spdxDoc.CreationInfo != nil {
		if created, err := time.Parse(time.RFC3339, spdxDoc.CreationInfo.Created); err == nil {
			summary.CreatedAt = created
		}
	}

	return summary
}

func extractCycloneDX(doc []byte, now time.Time) Summary {
	summary := Summary{SpecID: UnknownSpecID, Name: UnnamedSBOM, CreatedAt: now}

	bom := &cdx.BOM{}
	if err := cdx.NewBOMDecoder(bytes.NewReader(doc), cdx.BOMFileFormatJSON).Decode(bom); err != nil {
		return summary
	}

	summary.SpecID = "CycloneDX-" + bom.SpecVersion.String()
	if bom.Metadata != nil {
		if bom.Metadata.Component != nil && bom.Metadata.Component.Name != "" {
			summary.Name = bom.Metadata.Component.Name
		}
		if created, err := time.Parse(time.RFC3339, bom.Metadata.Timestamp); err == nil {
			summary.CreatedAt = created
		}
	}

	return summary
}

// ExtractVuln tallies every match in the report. Severity keys are kept with
// the tool's original casing; NormalizeSeverityCounts lowercases them before
// precedence lookups.
func ExtractVuln(report *scanner.Report) VulnSummary {
	summary := VulnSummary{
		Total:             len(report.Matches),
		SeverityCounts:    make(map[string]int),
		PackageTypeCounts: make(map[string]int),
	}

	if report.Descriptor != nil {
		summary.ScannerVersion = report.Descriptor.Version
	}

	for _, match := range report.Matches {
		severity := match.Vulnerability.Severity
		if severity == "" {
			severity = "UNKNOWN"
		}
		summary.SeverityCounts[severity]++

		pkgType := match.Artifact.Type
		if pkgType == "" {
			pkgType = "UNKNOWN"
		}
		summary.PackageTypeCounts[pkgType]++

		summary.AffectedPackages = append(summary.AffectedPackages, AffectedPackage{
			Name:     match.Artifact.Name,
			Version:  match.Artifact.Version,
			Type:     match.Artifact.Type,
			Severity: match.Vulnerability.Severity,
			CVE:      match.Vulnerability.ID,
		})

		if len(summary.TopFindings) < topFindingsLimit &&
			(strings.EqualFold(severity, "critical") || strings.EqualFold(severity, "high")) {
			summary.TopFindings = append(summary.TopFindings, Finding{
				CVE:      match.Vulnerability.ID,
				Severity: match.Vulnerability.Severity,
				Package:  match.Artifact.Name,
			})
		}
	}

	return summary
}

// NormalizeSeverityCounts lowercases every severity key so precedence lookups
// are case-insensitive regardless of the scan tool's casing convention.
// Colliding keys are merged additively.
func NormalizeSeverityCounts(counts map[string]int) map[string]int {
	normalized := make(map[string]int, len(counts))
	for severity, count := range counts {
		normalized[strings.ToLower(severity)] += count
	}

	return normalized
}

// HighestSeverity returns the first label in the fixed precedence order with a
// non-zero count, or "unknown" when every count is zero or the map is empty.
// Expects normalized (lowercase) keys.
func HighestSeverity(counts map[string]int) string {
	for _, severity := range severityPrecedence {
		if counts[severity] > 0 {
			return severity
		}
	}

	return "unknown"
}
