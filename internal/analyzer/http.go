package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wiko-cutlery/defect-pipeline/internal/pipeline"
	"github.com/wiko-cutlery/defect-pipeline/internal/resilience"
)

// HTTPConfig holds analysis engine endpoint configuration
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPAnalyzer calls a remote analysis engine over HTTP. Rate-limit
// responses are interpreted here, once, at the dependency boundary: an
// HTTP 429 becomes a resilience.RateLimitedError carrying the engine's
// Retry-After hint.
type HTTPAnalyzer struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPAnalyzer creates an analyzer client for the configured endpoint
func NewHTTPAnalyzer(config HTTPConfig, logger *slog.Logger) *HTTPAnalyzer {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPAnalyzer{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type analyzeRequest struct {
	Image          string         `json:"image"`
	ContentType    string         `json:"content_type"`
	ProductSKU     string         `json:"product_sku"`
	Facility       string         `json:"facility"`
	ProductionData map[string]any `json:"production_data,omitempty"`
}

type analyzeResponse struct {
	HasDefect  bool    `json:"has_defect"`
	DefectType string  `json:"defect_type"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Location   struct {
		Region      string                `json:"region"`
		BoundingBox *pipeline.BoundingBox `json:"bounding_box"`
	} `json:"location"`
	Description  string `json:"description"`
	ModelVersion string `json:"model_version"`
}

// Analyze sends the image to the engine and decodes its finding
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req *Request) (*Finding, error) {
	body, err := json.Marshal(analyzeRequest{
		Image:          base64.StdEncoding.EncodeToString(req.Image),
		ContentType:    req.ContentType,
		ProductSKU:     req.ProductSKU,
		Facility:       req.Facility,
		ProductionData: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", a.config.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &resilience.RateLimitedError{
			RetryAfter: retryAfter(resp),
			Err:        fmt.Errorf("%w: engine returned 429", ErrEngineFailure),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: engine returned status %d", ErrEngineFailure, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read engine response: %v", ErrEngineFailure, err)
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode engine response: %v", ErrEngineFailure, err)
	}

	finding := &Finding{
		DefectDetected: decoded.HasDefect,
		DefectType:     decoded.DefectType,
		Severity:       decoded.Severity,
		Description:    decoded.Description,
		Confidence:     decoded.Confidence,
		ModelVersion:   decoded.ModelVersion,
	}
	if decoded.Location.BoundingBox != nil {
		finding.BoundingBoxes = []pipeline.BoundingBox{*decoded.Location.BoundingBox}
	}

	a.logger.Debug("Analysis completed",
		slog.String("product_sku", req.ProductSKU),
		slog.Bool("defect_detected", finding.DefectDetected),
		slog.String("defect_type", finding.DefectType),
		slog.Float64("confidence", finding.Confidence),
	)

	return finding, nil
}

// retryAfter parses the Retry-After header in seconds, falling back to zero
// when absent or unparseable so the retry policy uses its computed delay.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
