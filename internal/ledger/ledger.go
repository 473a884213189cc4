// Package ledger keeps an operator-facing record of every ingested image
// in Postgres. It is observational: the processed artifact in the blob
// store remains the pipeline's idempotency marker, and ledger failures are
// logged, never propagated into the pipeline.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/wiko-cutlery/defect-pipeline/shared/postgresql"
)

// Inspection lifecycle statuses
const (
	StatusReceived         = "RECEIVED"
	StatusProcessing       = "PROCESSING"
	StatusCompleted        = "COMPLETED"
	StatusDeadLettered     = "DEAD_LETTERED"
	StatusSkippedDuplicate = "SKIPPED_DUPLICATE"
)

// ErrNotFound is returned when no ledger row exists for an image
var ErrNotFound = errors.New("inspection not found")

// Inspection is one ledger row, keyed by image ID
type Inspection struct {
	ImageID      string         `db:"image_id" json:"image_id"`
	ProductSKU   string         `db:"product_sku" json:"product_sku"`
	Facility     string         `db:"facility" json:"facility"`
	BlobName     string         `db:"blob_name" json:"blob_name"`
	RawContainer string         `db:"raw_container" json:"raw_container"`
	Status       string         `db:"status" json:"status"`
	ErrorMessage sql.NullString `db:"error_message" json:"-"`
	ReceivedAt   time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt  sql.NullTime   `db:"processed_at" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Ledger handles all database operations for inspection records
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Ledger over an established Postgres client
func New(pg *postgresql.Client, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// RecordIngest inserts the RECEIVED row for a freshly minted image ID
func (l *Ledger) RecordIngest(ctx context.Context, rec *Inspection) error {
	query := `
		INSERT INTO inspections (
			image_id, product_sku, facility, blob_name, raw_container,
			status, received_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, NOW(), NOW()
		)
	`

	_, err := l.db.ExecContext(
		ctx,
		query,
		rec.ImageID,
		rec.ProductSKU,
		rec.Facility,
		rec.BlobName,
		rec.RawContainer,
		StatusReceived,
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record ingest: %w", err)
	}

	return nil
}

// UpdateStatus moves an inspection to a terminal status. COMPLETED and
// SKIPPED_DUPLICATE stamp processed_at; DEAD_LETTERED records the failure
// description for operator inspection.
func (l *Ledger) UpdateStatus(ctx context.Context, imageID, status, errorMsg string) error {
	query := `
		UPDATE inspections
		SET status = $1,
			error_message = NULLIF($2, ''),
			processed_at = CASE
				WHEN $1 IN ($3, $4) THEN NOW()
				ELSE processed_at
			END,
			updated_at = NOW()
		WHERE image_id = $5
	`

	result, err := l.db.ExecContext(ctx, query, status, errorMsg, StatusCompleted, StatusSkippedDuplicate, imageID)
	if err != nil {
		return fmt.Errorf("failed to update inspection status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// A worker can see a message whose ingest row was never written
		// (ledger writes are best effort on the gateway side too).
		l.logger.Warn("Inspection status update matched no rows",
			slog.String("image_id", imageID),
			slog.String("status", status),
		)
	}

	return nil
}

// GetByImageID retrieves one inspection record
func (l *Ledger) GetByImageID(ctx context.Context, imageID string) (*Inspection, error) {
	query := `
		SELECT image_id, product_sku, facility, blob_name, raw_container,
			status, error_message, received_at, processed_at, created_at, updated_at
		FROM inspections
		WHERE image_id = $1
	`

	var rec Inspection
	if err := l.db.GetContext(ctx, &rec, query, imageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get inspection: %w", err)
	}

	return &rec, nil
}
