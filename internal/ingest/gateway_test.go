package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/internal/pipeline"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
)

type publishedMessage struct {
	messageID   string
	body        []byte
	contentType string
}

type fakePublisher struct {
	published []publishedMessage
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, messageID string, body []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{messageID, body, contentType})
	return nil
}

type fakeRecorder struct {
	records []*ledger.Inspection
	err     error
}

func (f *fakeRecorder) RecordIngest(ctx context.Context, rec *ledger.Inspection) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func testConfig() Config {
	return Config{
		RawContainer:       "raw-images",
		ProcessedContainer: "processed-images",
		QueueName:          "defect-jobs",
	}
}

func testRequest() *Request {
	return &Request{
		Filename:    "blade_cam3.jpg",
		Image:       []byte("jpeg bytes"),
		ContentType: "image/jpeg",
		ProductSKU:  "WK-KN-200",
		Facility:    "yangjiang",
		Metadata:    map[string]any{"batch_id": "B-77"},
	}
}

func TestGateway_Ingest(t *testing.T) {
	store := blobstore.NewMemoryStore()
	queue := &fakePublisher{}
	recorder := &fakeRecorder{}

	g := NewGateway(testConfig(), store, queue, recorder, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

	result, err := g.Ingest(context.Background(), testRequest())
	require.NoError(t, err)

	// Fresh unique image ID, echoed everywhere.
	_, err = uuid.Parse(result.ImageID)
	require.NoError(t, err)
	assert.Equal(t, "defect-jobs", result.Queue)
	assert.Equal(t, result.ImageID+".jpg", result.BlobRef.Key)
	assert.Equal(t, "raw-images", result.BlobRef.Container)

	// Raw blob is at rest under the derived key with descriptive tags.
	data, err := store.Download(context.Background(), result.BlobRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)
	assert.Equal(t, "image/jpeg", store.ContentType(result.BlobRef))
	tags := store.BlobMetadata(result.BlobRef)
	assert.Equal(t, result.ImageID, tags["image_id"])
	assert.Equal(t, "WK-KN-200", tags["product_sku"])
	assert.Equal(t, "yangjiang", tags["facility"])

	// Exactly one publish, keyed by the image ID.
	require.Len(t, queue.published, 1)
	assert.Equal(t, result.ImageID, queue.published[0].messageID)
	assert.Equal(t, "application/json", queue.published[0].contentType)

	msg, err := pipeline.DecodeJobMessage(queue.published[0].body)
	require.NoError(t, err)
	assert.Equal(t, result.ImageID, msg.ImageID)
	assert.Equal(t, "WK-KN-200", msg.ProductSKU)
	assert.Equal(t, "yangjiang", msg.Facility)
	assert.Equal(t, "processed-images", msg.ProcessedContainer)
	assert.Equal(t, "B-77", msg.Metadata["batch_id"])
	assert.True(t, msg.ReceivedAt.Equal(result.EnqueuedAt))

	// Ledger row in RECEIVED state.
	require.Len(t, recorder.records, 1)
	assert.Equal(t, result.ImageID, recorder.records[0].ImageID)
}

func TestGateway_IngestMintsFreshIDs(t *testing.T) {
	store := blobstore.NewMemoryStore()
	queue := &fakePublisher{}

	g := NewGateway(testConfig(), store, queue, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first, err := g.Ingest(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := g.Ingest(context.Background(), testRequest())
	require.NoError(t, err)

	// Resubmission has no dedup key; it gets a new identity.
	assert.NotEqual(t, first.ImageID, second.ImageID)
	assert.Len(t, queue.published, 2)
}

func TestGateway_DefaultsExtensionAndContentType(t *testing.T) {
	store := blobstore.NewMemoryStore()
	queue := &fakePublisher{}

	g := NewGateway(testConfig(), store, queue, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	result, err := g.Ingest(context.Background(), &Request{
		Filename:   "upload",
		Image:      []byte("bytes"),
		ProductSKU: "WK-SC-200",
		Facility:   "shenzhen",
	})
	require.NoError(t, err)

	assert.Equal(t, result.ImageID+".jpg", result.BlobRef.Key)
	assert.Equal(t, "application/octet-stream", store.ContentType(result.BlobRef))
}

func TestGateway_PublishFailureSurfacesAfterStore(t *testing.T) {
	store := blobstore.NewMemoryStore()
	queue := &fakePublisher{err: errors.New("broker unreachable")}

	g := NewGateway(testConfig(), store, queue, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := g.Ingest(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enqueue job")

	// Fail-open: the raw blob stays at rest, no compensating delete.
	key := store.FirstKey("raw-images")
	require.NotEmpty(t, key)
	exists, err := store.Exists(context.Background(), blobstore.BlobRef{Container: "raw-images", Key: key})
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGateway_LedgerFailureDoesNotFailIngest(t *testing.T) {
	store := blobstore.NewMemoryStore()
	queue := &fakePublisher{}
	recorder := &fakeRecorder{err: errors.New("database down")}

	g := NewGateway(testConfig(), store, queue, recorder, slog.New(slog.NewTextHandler(io.Discard, nil)))

	result, err := g.Ingest(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ImageID)
	assert.Len(t, queue.published, 1)
}
