// Package v1 defines the record types shared between the ownership store, the
// pipeline, and the HTTP surface.
package v1

import "time"

// SBOMRecord is the persisted metadata for one ingested or generated SBOM.
// Records are created at the end of a successful pipeline run and never
// updated in place.
type SBOMRecord struct {
	// ID is the content-derived identifier, also used as the blob key suffix.
	ID string `json:"id"`
	// Owner is the verified user id the record belongs to. A record is
	// visible and deletable only by its owner.
	Owner string `json:"owner"`
	// ProjectID optionally links the record to a project of the same owner.
	ProjectID string `json:"projectId,omitempty"`

	Name      string    `json:"name"`
	SpecID    string    `json:"specId"`
	CreatedAt time.Time `json:"createdAt"`

	// Location is the blob-storage key of the SBOM document.
	Location string `json:"location"`

	VulnReport *VulnReportSummary `json:"vulnReport,omitempty"`
}

// VulnReportSummary is embedded in an SBOMRecord; it is derived once at
// ingestion time and only recomputed on an explicit rescan.
type VulnReportSummary struct {
	// Location is the blob-storage key of the full scan report.
	Location string `json:"location"`

	Total           int            `json:"totalVulnerabilities"`
	SeverityCounts  map[string]int `json:"severityCounts"`
	HighestSeverity string         `json:"highestSeverity"`
}

// Project groups SBOM records under a user-assigned id. The (owner, id) pair
// is immutable after creation.
type Project struct {
	Owner string `json:"owner"`
	ID    string `json:"id"`

	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectPatch is a partial update. Only non-nil fields are applied, so a
// caller can clear the description without touching the name, and the store
// never accepts arbitrary attribute injection.
type ProjectPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// IsEmpty reports whether the patch carries no fields at all.
func (p ProjectPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Tags == nil
}
