// Package pipeline defines the wire types shared by the ingest gateway and
// the worker: the job message placed on the queue and the processed
// artifact written back to the blob store.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
)

// JobMessage is the unit of work enqueued by the gateway and consumed by
// the worker. ImageID is the idempotency key for the whole pipeline: it is
// minted once at ingest and never changes across redeliveries.
type JobMessage struct {
	ImageID            string         `json:"image_id"`
	BlobName           string         `json:"blob_name"`
	RawContainer       string         `json:"raw_container"`
	ProcessedContainer string         `json:"processed_container"`
	ProductSKU         string         `json:"product_sku"`
	Facility           string         `json:"facility"`
	ReceivedAt         time.Time      `json:"received_at"`
	ContentType        string         `json:"content_type"`
	Metadata           map[string]any `json:"metadata"`
}

// Validate checks the fields the worker cannot proceed without
func (m *JobMessage) Validate() error {
	if m.ImageID == "" {
		return fmt.Errorf("job message missing image_id")
	}
	if m.BlobName == "" {
		return fmt.Errorf("job message missing blob_name")
	}
	if m.RawContainer == "" {
		return fmt.Errorf("job message missing raw_container")
	}
	if m.ProcessedContainer == "" {
		return fmt.Errorf("job message missing processed_container")
	}
	if m.ProductSKU == "" {
		return fmt.Errorf("job message missing product_sku")
	}
	if m.Facility == "" {
		return fmt.Errorf("job message missing facility")
	}
	return nil
}

// RawBlobRef locates the raw image this job refers to
func (m *JobMessage) RawBlobRef() blobstore.BlobRef {
	return blobstore.BlobRef{Container: m.RawContainer, Key: m.BlobName}
}

// ProcessedBlobRef locates the processed artifact for this job. Its
// presence in the store is the idempotency marker.
func (m *JobMessage) ProcessedBlobRef() blobstore.BlobRef {
	return blobstore.BlobRef{Container: m.ProcessedContainer, Key: ProcessedKey(m.ImageID)}
}

// ProcessedKey derives the processed-artifact blob key for an image
func ProcessedKey(imageID string) string {
	return imageID + ".json"
}

// Encode marshals the message for publishing
func (m *JobMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// DecodeJobMessage parses a queue payload into a JobMessage and validates
// its required fields. A failure here is permanent: re-attempting an
// undecodable message has no value.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BoundingBox is an image-space rectangle around a detected defect
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Timestamps records when the image entered and left the pipeline
type Timestamps struct {
	IngestedAt  time.Time `json:"ingested_at"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SourceBlob points back at the raw image a finding was produced from
type SourceBlob struct {
	Container string `json:"container"`
	BlobName  string `json:"blob_name"`
}

// ArtifactMetadata echoes the job's descriptive fields into the artifact
type ArtifactMetadata struct {
	ProductSKU  string         `json:"product_sku"`
	Facility    string         `json:"facility"`
	SourceBlob  SourceBlob     `json:"source_blob"`
	ContentType string         `json:"content_type"`
	Extra       map[string]any `json:"extra"`
}

// DefectFindings is the analysis outcome for one image
type DefectFindings struct {
	DefectDetected bool          `json:"defect_detected"`
	DefectType     string        `json:"defect_type"`
	Severity       string        `json:"severity"`
	Description    string        `json:"description"`
	Confidence     float64       `json:"confidence"`
	BoundingBoxes  []BoundingBox `json:"bounding_boxes"`
}

// ProcessedArtifact is the worker's durable output for one job. At most one
// exists per image ID.
type ProcessedArtifact struct {
	ImageID        string           `json:"image_id"`
	Timestamps     Timestamps       `json:"timestamps"`
	Metadata       ArtifactMetadata `json:"metadata"`
	DefectFindings DefectFindings   `json:"defect_findings"`
	ModelVersion   string           `json:"model_version"`
}

// Encode marshals the artifact for storage
func (a *ProcessedArtifact) Encode() ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode processed artifact: %w", err)
	}
	return body, nil
}
