// Package analyzer defines the analysis capability the worker consumes.
// The engine itself is external; this package holds its contract and the
// HTTP client that talks to it.
package analyzer

import (
	"context"
	"errors"

	"github.com/wiko-cutlery/defect-pipeline/internal/pipeline"
)

// ErrEngineFailure tags failures originating in the analysis engine or the
// network path to it. The worker's circuit breaker counts exactly these;
// anything else passes through as a caller-side problem.
var ErrEngineFailure = errors.New("analysis engine failure")

// Request carries one image and its production context to the engine
type Request struct {
	Image       []byte
	ContentType string
	ProductSKU  string
	Facility    string
	Metadata    map[string]any
}

// Finding is the engine's verdict for one image
type Finding struct {
	DefectDetected bool
	DefectType     string
	Severity       string
	Description    string
	Confidence     float64
	BoundingBoxes  []pipeline.BoundingBox
	ModelVersion   string
}

// Analyzer is the opaque analysis capability guarded by the worker's
// resilience primitives.
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (*Finding, error)
}
