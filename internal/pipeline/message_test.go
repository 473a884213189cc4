package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
)

func validMessage() *JobMessage {
	return &JobMessage{
		ImageID:            "3f2b8c1a-0000-0000-0000-000000000001",
		BlobName:           "3f2b8c1a-0000-0000-0000-000000000001.jpg",
		RawContainer:       "raw-images",
		ProcessedContainer: "processed-images",
		ProductSKU:         "WK-KN-200",
		Facility:           "yangjiang",
		ReceivedAt:         time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ContentType:        "image/jpeg",
		Metadata:           map[string]any{"batch_id": "B-77", "shift": "night"},
	}
}

func TestJobMessage_RoundTrip(t *testing.T) {
	msg := validMessage()

	body, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeJobMessage(body)
	require.NoError(t, err)

	assert.Equal(t, msg.ImageID, decoded.ImageID)
	assert.Equal(t, msg.ProductSKU, decoded.ProductSKU)
	assert.Equal(t, msg.Facility, decoded.Facility)
	assert.True(t, msg.ReceivedAt.Equal(decoded.ReceivedAt))
	assert.Equal(t, "B-77", decoded.Metadata["batch_id"])
}

func TestJobMessage_WireFieldNames(t *testing.T) {
	body, err := validMessage().Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))

	for _, field := range []string{
		"image_id", "blob_name", "raw_container", "processed_container",
		"product_sku", "facility", "received_at", "content_type", "metadata",
	} {
		assert.Contains(t, raw, field)
	}
}

func TestDecodeJobMessage_Malformed(t *testing.T) {
	_, err := DecodeJobMessage([]byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode job message")
}

func TestDecodeJobMessage_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *JobMessage)
		want   string
	}{
		{name: "no image_id", mutate: func(m *JobMessage) { m.ImageID = "" }, want: "image_id"},
		{name: "no blob_name", mutate: func(m *JobMessage) { m.BlobName = "" }, want: "blob_name"},
		{name: "no raw_container", mutate: func(m *JobMessage) { m.RawContainer = "" }, want: "raw_container"},
		{name: "no processed_container", mutate: func(m *JobMessage) { m.ProcessedContainer = "" }, want: "processed_container"},
		{name: "no product_sku", mutate: func(m *JobMessage) { m.ProductSKU = "" }, want: "product_sku"},
		{name: "no facility", mutate: func(m *JobMessage) { m.Facility = "" }, want: "facility"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)

			body, err := msg.Encode()
			require.NoError(t, err)

			_, err = DecodeJobMessage(body)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJobMessage_BlobRefs(t *testing.T) {
	msg := validMessage()

	assert.Equal(t, blobstore.BlobRef{
		Container: "raw-images",
		Key:       "3f2b8c1a-0000-0000-0000-000000000001.jpg",
	}, msg.RawBlobRef())

	assert.Equal(t, blobstore.BlobRef{
		Container: "processed-images",
		Key:       "3f2b8c1a-0000-0000-0000-000000000001.json",
	}, msg.ProcessedBlobRef())
}

func TestProcessedArtifact_WireShape(t *testing.T) {
	artifact := &ProcessedArtifact{
		ImageID: "img-1",
		Timestamps: Timestamps{
			IngestedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			ProcessedAt: time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
		},
		Metadata: ArtifactMetadata{
			ProductSKU:  "WK-KN-200",
			Facility:    "yangjiang",
			SourceBlob:  SourceBlob{Container: "raw-images", BlobName: "img-1.jpg"},
			ContentType: "image/jpeg",
			Extra:       map[string]any{"batch_id": "B-77"},
		},
		DefectFindings: DefectFindings{
			DefectDetected: true,
			DefectType:     "blade_scratch",
			Severity:       "minor",
			Description:    "Shallow scratch on the blade surface.",
			Confidence:     0.87,
			BoundingBoxes:  []BoundingBox{{X: 10, Y: 20, Width: 30, Height: 5}},
		},
		ModelVersion: "inspector-v2",
	}

	body, err := artifact.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))

	assert.Contains(t, raw, "timestamps")
	assert.Contains(t, raw, "defect_findings")
	assert.Contains(t, raw, "model_version")

	findings, ok := raw["defect_findings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, findings["defect_detected"])
	assert.Equal(t, "blade_scratch", findings["defect_type"])

	meta, ok := raw["metadata"].(map[string]any)
	require.True(t, ok)
	source, ok := meta["source_blob"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "raw-images", source["container"])
	assert.Equal(t, "img-1.jpg", source["blob_name"])
}
