package messaging

type Message interface {
	MessageType() string
}

const (
	ScanImageType    = "ScanImage"
	IngestUploadType = "IngestUpload"
)

// ScanImage asks a worker to generate and scan an SBOM for a container image.
// RecordID is assigned by the API server up front so the caller can poll for
// the record.
type ScanImage struct {
	RecordID  string `json:"recordId"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
	Image     string `json:"image"`
	Format    string `json:"format,omitempty"`
}

func (m *ScanImage) MessageType() string {
	return ScanImageType
}

// IngestUpload asks a worker to scan and persist an SBOM document that was
// already uploaded to blob storage under UploadKey.
type IngestUpload struct {
	RecordID  string `json:"recordId"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
	UploadKey string `json:"uploadKey"`
}

func (m *IngestUpload) MessageType() string {
	return IngestUploadType
}
