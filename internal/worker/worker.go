// Package worker implements the consumer loop: receive one job, process it
// idempotently, settle the delivery. Strictly serialized per instance;
// scale-out happens through competing consumers on the same queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wiko-cutlery/defect-pipeline/internal/analyzer"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/internal/pipeline"
	"github.com/wiko-cutlery/defect-pipeline/internal/resilience"
	"github.com/wiko-cutlery/defect-pipeline/internal/worker/domain"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
	"github.com/wiko-cutlery/defect-pipeline/shared/rabbitmq"
)

// Queue is the work-queue surface the worker consumes
type Queue interface {
	Receive(ctx context.Context) (*rabbitmq.Delivery, error)
	Complete(d *rabbitmq.Delivery) error
	Abandon(d *rabbitmq.Delivery) error
	DeadLetter(ctx context.Context, d *rabbitmq.Delivery, reason, description string) error
}

// StatusRecorder is the optional ledger surface the worker updates
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, imageID, status, errorMsg string) error
}

// Config holds worker dependencies and knobs
type Config struct {
	Queue               Queue
	Store               blobstore.Store
	Analyzer            analyzer.Analyzer
	Retry               *resilience.RetryPolicy
	Breaker             *resilience.CircuitBreaker
	Recorder            StatusRecorder // nil disables ledger updates
	Logger              *slog.Logger
	MaxDeliveryAttempts int
}

// Worker is the queue consumer
type Worker struct {
	queue               Queue
	store               blobstore.Store
	analyzer            analyzer.Analyzer
	retry               *resilience.RetryPolicy
	breaker             *resilience.CircuitBreaker
	recorder            StatusRecorder
	logger              *slog.Logger
	maxDeliveryAttempts int

	now func() time.Time
}

// New creates a worker instance
func New(cfg *Config) *Worker {
	return &Worker{
		queue:               cfg.Queue,
		store:               cfg.Store,
		analyzer:            cfg.Analyzer,
		retry:               cfg.Retry,
		breaker:             cfg.Breaker,
		recorder:            cfg.Recorder,
		logger:              cfg.Logger,
		maxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		now:                 time.Now,
	}
}

// Run processes up to maxMessages jobs and returns the number completed.
// maxMessages <= 0 means run until the context is canceled. An empty
// receive ends a bounded run; a long-lived run just polls again. Shutdown
// only ever happens between messages.
func (w *Worker) Run(ctx context.Context, maxMessages int) (int, error) {
	w.logger.Info("Worker run starting",
		slog.Int("max_messages", maxMessages),
		slog.Int("max_delivery_attempts", w.maxDeliveryAttempts),
	)

	processed := 0
	for maxMessages <= 0 || processed < maxMessages {
		if ctx.Err() != nil {
			w.logger.Info("Worker run stopped, context canceled",
				slog.Int("processed", processed),
			)
			return processed, nil
		}

		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return processed, nil
			}
			return processed, fmt.Errorf("failed to receive message: %w", err)
		}

		if delivery == nil {
			// Receive timed out with no work available.
			if maxMessages > 0 {
				w.logger.Info("No messages received, ending run",
					slog.Int("processed", processed),
				)
				return processed, nil
			}
			continue
		}

		err = w.processDelivery(ctx, delivery)
		if w.settle(ctx, delivery, err) {
			processed++
		}
	}

	w.logger.Info("Worker run complete",
		slog.Int("processed", processed),
	)
	return processed, nil
}

// processDelivery runs the per-message algorithm. A nil return means the
// delivery should be completed; any error is classified by settle.
func (w *Worker) processDelivery(ctx context.Context, d *rabbitmq.Delivery) error {
	msg, err := pipeline.DecodeJobMessage([]byte(d.Body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	log := w.logger.With(
		slog.String("image_id", msg.ImageID),
		slog.Int("delivery_count", d.DeliveryCount),
	)
	log.Info("Processing job",
		slog.String("product_sku", msg.ProductSKU),
		slog.String("facility", msg.Facility),
	)

	// Idempotency check: the processed artifact's presence marks the job
	// done. Redeliveries of finished work acknowledge without analysis.
	processedRef := msg.ProcessedBlobRef()
	exists, err := w.store.Exists(ctx, processedRef)
	if err != nil {
		return fmt.Errorf("failed to probe processed artifact: %w", err)
	}
	if exists {
		log.Info("Processed artifact already exists, skipping")
		w.recordStatus(ctx, msg.ImageID, ledger.StatusSkippedDuplicate, "")
		return nil
	}

	w.recordStatus(ctx, msg.ImageID, ledger.StatusProcessing, "")

	raw, err := w.store.Download(ctx, msg.RawBlobRef())
	if err != nil {
		return fmt.Errorf("failed to download raw image: %w", err)
	}

	finding, err := w.analyze(ctx, msg, raw)
	if err != nil {
		return fmt.Errorf("analysis failed for image %s: %w", msg.ImageID, err)
	}

	artifact := w.buildArtifact(msg, finding)
	body, err := artifact.Encode()
	if err != nil {
		return err
	}

	// Two workers racing the same image both land here at worst; the
	// writes are equivalent and last-wins, so no cross-instance lock.
	if err := w.store.Upload(ctx, processedRef, body, "application/json", nil); err != nil {
		return fmt.Errorf("failed to write processed artifact: %w", err)
	}

	w.recordStatus(ctx, msg.ImageID, ledger.StatusCompleted, "")
	log.Info("Job completed",
		slog.Bool("defect_detected", finding.DefectDetected),
		slog.String("defect_type", finding.DefectType),
	)

	return nil
}

// analyze invokes the analysis capability through the resilience
// primitives: retry wraps the breaker-guarded call, so open-breaker
// rejections are surfaced after the backoff budget instead of hanging.
func (w *Worker) analyze(ctx context.Context, msg *pipeline.JobMessage, raw []byte) (*analyzer.Finding, error) {
	req := &analyzer.Request{
		Image:       raw,
		ContentType: msg.ContentType,
		ProductSKU:  msg.ProductSKU,
		Facility:    msg.Facility,
		Metadata:    msg.Metadata,
	}

	var finding *analyzer.Finding
	err := w.retry.DoContext(ctx, func() error {
		return w.breaker.Call(func() error {
			result, callErr := w.analyzer.Analyze(ctx, req)
			if callErr != nil {
				return callErr
			}
			finding = result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return finding, nil
}

func (w *Worker) buildArtifact(msg *pipeline.JobMessage, finding *analyzer.Finding) *pipeline.ProcessedArtifact {
	return &pipeline.ProcessedArtifact{
		ImageID: msg.ImageID,
		Timestamps: pipeline.Timestamps{
			IngestedAt:  msg.ReceivedAt,
			ProcessedAt: w.now().UTC(),
		},
		Metadata: pipeline.ArtifactMetadata{
			ProductSKU:  msg.ProductSKU,
			Facility:    msg.Facility,
			SourceBlob:  pipeline.SourceBlob{Container: msg.RawContainer, BlobName: msg.BlobName},
			ContentType: msg.ContentType,
			Extra:       msg.Metadata,
		},
		DefectFindings: pipeline.DefectFindings{
			DefectDetected: finding.DefectDetected,
			DefectType:     finding.DefectType,
			Severity:       finding.Severity,
			Description:    finding.Description,
			Confidence:     finding.Confidence,
			BoundingBoxes:  finding.BoundingBoxes,
		},
		ModelVersion: finding.ModelVersion,
	}
}

// settle acknowledges, abandons, or dead-letters the delivery based on the
// processing outcome. Returns true when the message left the main queue
// for good (completed or dead-lettered).
func (w *Worker) settle(ctx context.Context, d *rabbitmq.Delivery, procErr error) bool {
	if procErr == nil {
		if err := w.queue.Complete(d); err != nil {
			w.logger.Error("Failed to complete message",
				slog.String("message_id", d.MessageID),
				slog.Any("error", err),
			)
			return false
		}
		return true
	}

	// A shutdown mid-processing abandons the delivery so it is redelivered,
	// never force-completed.
	if ctx.Err() != nil && (errors.Is(procErr, context.Canceled) || errors.Is(procErr, context.DeadlineExceeded)) {
		w.abandon(d)
		return false
	}

	if errors.Is(procErr, domain.ErrMalformedMessage) {
		w.deadLetter(d, domain.ReasonMalformedPayload, procErr)
		return true
	}

	if d.DeliveryCount >= w.maxDeliveryAttempts {
		w.deadLetter(d, domain.ReasonProcessingFailed, procErr)
		w.recordStatus(context.WithoutCancel(ctx), imageIDFromDelivery(d), ledger.StatusDeadLettered, procErr.Error())
		return true
	}

	w.logger.Warn("Job processing failed, abandoning for redelivery",
		slog.String("message_id", d.MessageID),
		slog.Int("delivery_count", d.DeliveryCount),
		slog.Int("max_delivery_attempts", w.maxDeliveryAttempts),
		slog.Any("error", procErr),
	)
	w.abandon(d)
	return false
}

func (w *Worker) abandon(d *rabbitmq.Delivery) {
	if err := w.queue.Abandon(d); err != nil {
		w.logger.Error("Failed to abandon message",
			slog.String("message_id", d.MessageID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) deadLetter(d *rabbitmq.Delivery, reason string, procErr error) {
	w.logger.Error("Dead-lettering message",
		slog.String("message_id", d.MessageID),
		slog.String("reason", reason),
		slog.Int("delivery_count", d.DeliveryCount),
		slog.Any("error", procErr),
	)

	// Settlement must outlive a canceled run context.
	if err := w.queue.DeadLetter(context.WithoutCancel(context.Background()), d, reason, procErr.Error()); err != nil {
		w.logger.Error("Failed to dead-letter message",
			slog.String("message_id", d.MessageID),
			slog.Any("error", err),
		)
	}
}

// recordStatus updates the ledger, best effort
func (w *Worker) recordStatus(ctx context.Context, imageID, status, errorMsg string) {
	if w.recorder == nil || imageID == "" {
		return
	}

	if err := w.recorder.UpdateStatus(ctx, imageID, status, errorMsg); err != nil {
		w.logger.Warn("Failed to update inspection status",
			slog.String("image_id", imageID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// imageIDFromDelivery recovers the image ID for ledger updates; the
// gateway publishes with the image ID as the message ID.
func imageIDFromDelivery(d *rabbitmq.Delivery) string {
	return d.MessageID
}
