package handler

import (
	"context"
	"log/slog"

	"github.com/wiko-cutlery/defect-pipeline/internal/ingest"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
)

// Ingestor is the gateway surface the HTTP handlers call
type Ingestor interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
}

// StatusReader looks up ledger rows for the status endpoint
type StatusReader interface {
	GetByImageID(ctx context.Context, imageID string) (*ledger.Inspection, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger            *slog.Logger
	Gateway           Ingestor
	Ledger            StatusReader // nil disables the status endpoint
	MaxImageSizeBytes int64
}

// IngestHandler handles image-ingest HTTP requests
type IngestHandler struct {
	logger       *slog.Logger
	gateway      Ingestor
	ledger       StatusReader
	maxImageSize int64
}

// NewIngestHandler creates a new IngestHandler instance
func NewIngestHandler(deps *Dependencies) *IngestHandler {
	return &IngestHandler{
		logger:       deps.Logger,
		gateway:      deps.Gateway,
		ledger:       deps.Ledger,
		maxImageSize: deps.MaxImageSizeBytes,
	}
}
