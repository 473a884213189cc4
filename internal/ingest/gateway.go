// Package ingest implements the gateway that accepts a validated image,
// stores it, and enqueues the job describing it. Store-then-enqueue, in
// that order: the client observes success only after both side effects.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/internal/pipeline"
	"github.com/wiko-cutlery/defect-pipeline/internal/validation"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
)

// Publisher is the queue surface the gateway needs
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte, contentType string) error
}

// Recorder is the optional ledger surface the gateway writes to
type Recorder interface {
	RecordIngest(ctx context.Context, rec *ledger.Inspection) error
}

// Config names the gateway's destinations
type Config struct {
	RawContainer       string
	ProcessedContainer string
	QueueName          string
}

// Request is one pre-validated upload
type Request struct {
	Filename    string
	Image       []byte
	ContentType string
	ProductSKU  string
	Facility    string
	Metadata    map[string]any
}

// Result is the job descriptor returned to the client
type Result struct {
	ImageID    string
	BlobRef    blobstore.BlobRef
	Queue      string
	EnqueuedAt time.Time
}

// Gateway stores raw images and publishes job messages
type Gateway struct {
	config   Config
	store    blobstore.Store
	queue    Publisher
	recorder Recorder // nil disables ledger writes
	logger   *slog.Logger

	now func() time.Time
}

// NewGateway creates an ingest gateway. recorder may be nil.
func NewGateway(config Config, store blobstore.Store, queue Publisher, recorder Recorder, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   config,
		store:    store,
		queue:    queue,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest uploads the raw image and enqueues its job. The caller has
// already validated the upload; a transient failure here propagates back
// so the client can resubmit, which simply mints a new image ID.
func (g *Gateway) Ingest(ctx context.Context, req *Request) (*Result, error) {
	imageID := uuid.New().String()
	receivedAt := g.now().UTC()

	ext := strings.ToLower(filepath.Ext(validation.SanitizeFilename(req.Filename)))
	if ext == "" {
		ext = ".jpg"
	}
	blobName := imageID + ext

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := g.store.EnsureContainer(ctx, g.config.RawContainer); err != nil {
		return nil, fmt.Errorf("failed to ensure raw container: %w", err)
	}
	if err := g.store.EnsureContainer(ctx, g.config.ProcessedContainer); err != nil {
		return nil, fmt.Errorf("failed to ensure processed container: %w", err)
	}

	rawRef := blobstore.BlobRef{Container: g.config.RawContainer, Key: blobName}
	tags := blobstore.Metadata{
		"image_id":    imageID,
		"product_sku": req.ProductSKU,
		"facility":    req.Facility,
		"received_at": receivedAt.Format(time.RFC3339),
	}

	if err := g.store.Upload(ctx, rawRef, req.Image, contentType, tags); err != nil {
		return nil, fmt.Errorf("failed to upload raw image: %w", err)
	}

	msg := &pipeline.JobMessage{
		ImageID:            imageID,
		BlobName:           blobName,
		RawContainer:       g.config.RawContainer,
		ProcessedContainer: g.config.ProcessedContainer,
		ProductSKU:         req.ProductSKU,
		Facility:           req.Facility,
		ReceivedAt:         receivedAt,
		ContentType:        contentType,
		Metadata:           req.Metadata,
	}

	body, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	// If this publish fails the raw blob stays at rest with no job: an
	// accepted fail-open risk, surfaced to the caller instead of being
	// compensated with a delete.
	if err := g.queue.Publish(ctx, imageID, body, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to enqueue job for image %s: %w", imageID, err)
	}

	if g.recorder != nil {
		rec := &ledger.Inspection{
			ImageID:      imageID,
			ProductSKU:   req.ProductSKU,
			Facility:     req.Facility,
			BlobName:     blobName,
			RawContainer: g.config.RawContainer,
			ReceivedAt:   receivedAt,
		}
		if err := g.recorder.RecordIngest(ctx, rec); err != nil {
			// Ledger writes are best effort; the job is already durable.
			g.logger.Warn("Failed to record ingest in ledger",
				slog.String("image_id", imageID),
				slog.Any("error", err),
			)
		}
	}

	g.logger.Info("Image ingested",
		slog.String("image_id", imageID),
		slog.String("blob", rawRef.String()),
		slog.String("queue", g.config.QueueName),
		slog.String("product_sku", req.ProductSKU),
		slog.String("facility", req.Facility),
	)

	return &Result{
		ImageID:    imageID,
		BlobRef:    rawRef,
		Queue:      g.config.QueueName,
		EnqueuedAt: receivedAt,
	}, nil
}
