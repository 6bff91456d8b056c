package metadata

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delvesec/delve/internal/scanner"
)

var ingestionTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestExtractSBOMFromSPDX(t *testing.T) {
	doc := []byte(`{
		"spdxVersion": "SPDX-2.3",
		"SPDXID": "SPDXRef-DOCUMENT",
		"name": "alpine-3.20",
		"dataLicense": "CC0-1.0",
		"documentNamespace": "https://example.com/alpine-3.20",
		"creationInfo": {
			"created": "2024-11-05T08:30:00Z",
			"creators": ["Tool: syft-1.0.0"]
		}
	}`)

	summary := ExtractSBOM(doc, ingestionTime)

	assert.Equal(t, "SPDX-2.3", summary.SpecID)
	assert.Equal(t, "alpine-3.20", summary.Name)
	assert.Equal(t, time.Date(2024, 11, 5, 8, 30, 0, 0, time.UTC), summary.CreatedAt)
}

func TestExtractSBOMFromCycloneDX(t *testing.T) {
	doc := []byte(`{
		"bomFormat": "CycloneDX",
		"specVersion": "1.5",
		"metadata": {
			"timestamp": "2024-11-05T08:30:00Z",
			"component": {"type": "application", "name": "demo-app"}
		},
		"components": []
	}`)

	summary := ExtractSBOM(doc, ingestionTime)

	assert.Equal(t, "CycloneDX-1.5", summary.SpecID)
	assert.Equal(t, "demo-app", summary.Name)
	assert.Equal(t, time.Date(2024, 11, 5, 8, 30, 0, 0, time.UTC), summary.CreatedAt)
}

func TestExtractSBOMFallbacks(t *testing.T) {
	tests := []struct {
		name string
		doc  []byte
	}{
		{name: "not json", doc: []byte("garbage")},
		{name: "unknown format", doc: []byte(`{"foo": "bar"}`)},
		{name: "cyclonedx without metadata", doc: []byte(`{"bomFormat": "CycloneDX", "specVersion": "1.5"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := ExtractSBOM(tt.doc, ingestionTime)

			assert.Equal(t, UnnamedSBOM, summary.Name)
			assert.Equal(t, ingestionTime, summary.CreatedAt)
		})
	}
}

func TestExtractVuln(t *testing.T) {
	report := &scanner.Report{
		Matches: []scanner.Match{
			{
				Vulnerability: scanner.Vulnerability{ID: "CVE-1", Severity: "Critical"},
				Artifact:      scanner.Artifact{Name: "libssl", Version: "1.0", Type: "apk"},
			},
			{
				Vulnerability: scanner.Vulnerability{ID: "CVE-2", Severity: "high"},
				Artifact:      scanner.Artifact{Name: "lodash", Version: "4.17.20", Type: "npm"},
			},
			{
				Vulnerability: scanner.Vulnerability{ID: "CVE-3", Severity: "high"},
				Artifact:      scanner.Artifact{Name: "lodash", Version: "4.17.20", Type: "npm"},
			},
		},
		Descriptor: &scanner.Descriptor{Name: "grype", Version: "0.74.0"},
	}

	summary := ExtractVuln(report)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, map[string]int{"Critical": 1, "high": 2}, summary.SeverityCounts)
	assert.Equal(t, map[string]int{"apk": 1, "npm": 2}, summary.PackageTypeCounts)
	assert.Equal(t, "0.74.0", summary.ScannerVersion)
	assert.Len(t, summary.AffectedPackages, 3)
	assert.Len(t, summary.TopFindings, 3)

	normalized := NormalizeSeverityCounts(summary.SeverityCounts)
	assert.Equal(t, map[string]int{"critical": 1, "high": 2}, normalized)
	assert.Equal(t, "critical", HighestSeverity(normalized))
}

func TestExtractVulnMissingFields(t *testing.T) {
	report := &scanner.Report{
		Matches: []scanner.Match{
			{
				Vulnerability: scanner.Vulnerability{ID: "CVE-9"},
				Artifact:      scanner.Artifact{Name: "mystery"},
			},
		},
	}

	summary := ExtractVuln(report)

	assert.Equal(t, map[string]int{"UNKNOWN": 1}, summary.SeverityCounts)
	assert.Equal(t, map[string]int{"UNKNOWN": 1}, summary.PackageTypeCounts)
	assert.Empty(t, summary.ScannerVersion)
	assert.Empty(t, summary.TopFindings)
}

func TestExtractVulnTopFindingsBounded(t *testing.T) {
	report := &scanner.Report{}
	for i := range 10 {
		report.Matches = append(report.Matches, scanner.Match{
			Vulnerability: scanner.Vulnerability{ID: "CVE-" + string(rune('A'+i)), Severity: "Critical"},
			Artifact:      scanner.Artifact{Name: "pkg"},
		})
	}

	summary := ExtractVuln(report)

	assert.Equal(t, 10, summary.Total)
	assert.Len(t, summary.TopFindings, 5)
}

func TestNormalizeSeverityCounts(t *testing.T) {
	counts := map[string]int{"Critical": 2, "HIGH": 1, "medium": 4}

	normalized := NormalizeSeverityCounts(counts)

	expected := map[string]int{"critical": 2, "high": 1, "medium": 4}
	assert.Empty(t, cmp.Diff(expected, normalized))
	// Input map is left untouched.
	assert.Equal(t, 2, counts["Critical"])
}

func TestNormalizeSeverityCountsMergesCollisions(t *testing.T) {
	normalized := NormalizeSeverityCounts(map[string]int{"High": 1, "high": 2})

	assert.Equal(t, map[string]int{"high": 3}, normalized)
}

func TestHighestSeverity(t *testing.T) {
	tests := []struct {
		name     string
		counts   map[string]int
		expected string
	}{
		{
			name:     "critical wins over everything",
			counts:   map[string]int{"critical": 1, "high": 10, "low": 50},
			expected: "critical",
		},
		{
			name:     "high wins when no critical",
			counts:   map[string]int{"high": 1, "medium": 3},
			expected: "high",
		},
		{
			name:     "medium beats low despite lexicographic order",
			counts:   map[string]int{"low": 9, "medium": 1},
			expected: "medium",
		},
		{
			name:     "only unknown",
			counts:   map[string]int{"unknown": 2},
			expected: "unknown",
		},
		{
			name:     "zero counts ignored",
			counts:   map[string]int{"critical": 0, "low": 1},
			expected: "low",
		},
		{
			name:     "empty map",
			counts:   map[string]int{},
			expected: "unknown",
		},
		{
			name:     "nil map",
			counts:   nil,
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HighestSeverity(tt.counts))
		})
	}
}

func TestExtractSBOMScenarioRoundTrip(t *testing.T) {
	// A generated document and its summary must agree on the creation time
	// fallback when the tool omits metadata entirely.
	summary := ExtractSBOM([]byte(`{"bomFormat": "CycloneDX", "specVersion": "1.4", "metadata": {}}`), ingestionTime)

	require.Equal(t, "CycloneDX-1.4", summary.SpecID)
	assert.Equal(t, ingestionTime, summary.CreatedAt)
}
