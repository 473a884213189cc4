package handler_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wiko-cutlery/defect-pipeline/internal/api/handler"
	"github.com/wiko-cutlery/defect-pipeline/internal/api/router"
	"github.com/wiko-cutlery/defect-pipeline/internal/ingest"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
)

// Minimal PNG: signature alone is enough for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n" + "fake image body")

type fakeGateway struct {
	request *ingest.Request
	result  *ingest.Result
	err     error
}

func (f *fakeGateway) Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error) {
	f.request = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLedger struct {
	inspection *ledger.Inspection
	err        error
}

func (f *fakeLedger) GetByImageID(ctx context.Context, imageID string) (*ledger.Inspection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inspection, nil
}

func testRouter(gateway handler.Ingestor, statusReader handler.StatusReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return router.SetupRouter(&handler.Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway: gateway,
		Ledger:  statusReader,
	})
}

func multipartUpload(t *testing.T, filename string, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if filename != "" {
		part, err := writer.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func TestIngestHandler_Ingest(t *testing.T) {
	gateway := &fakeGateway{result: &ingest.Result{
		ImageID:    "3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44",
		BlobRef:    blobstore.BlobRef{Container: "raw-images", Key: "3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44.png"},
		Queue:      "defect-jobs",
		EnqueuedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}}
	r := testRouter(gateway, nil)

	body, contentType := multipartUpload(t, "blade_cam3.png", pngBytes, map[string]string{
		"product_sku": " wk-kn-200 ",
		"facility":    " YANGJIANG ",
		"metadata":    `{"batch_id":"B-77","shift":"night"}`,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44", resp["image_id"])
	assert.Equal(t, "defect-jobs", resp["queue"])
	assert.Equal(t, "raw-images", resp["raw_container"])

	// Whitelist values are normalized before they reach the gateway.
	require.NotNil(t, gateway.request)
	assert.Equal(t, "WK-KN-200", gateway.request.ProductSKU)
	assert.Equal(t, "yangjiang", gateway.request.Facility)
	assert.Equal(t, "B-77", gateway.request.Metadata["batch_id"])
	assert.Equal(t, pngBytes, gateway.request.Image)
}

func TestIngestHandler_IngestRejectsBadUploads(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		image    []byte
		fields   map[string]string
	}{
		{
			name:   "missing file",
			fields: map[string]string{"product_sku": "WK-KN-200", "facility": "yangjiang"},
		},
		{
			name:     "bad extension",
			filename: "report.pdf",
			image:    pngBytes,
			fields:   map[string]string{"product_sku": "WK-KN-200", "facility": "yangjiang"},
		},
		{
			name:     "spoofed content",
			filename: "image.png",
			image:    []byte("<html>not an image</html>"),
			fields:   map[string]string{"product_sku": "WK-KN-200", "facility": "yangjiang"},
		},
		{
			name:     "unknown sku",
			filename: "image.png",
			image:    pngBytes,
			fields:   map[string]string{"product_sku": "WK-XX-999", "facility": "yangjiang"},
		},
		{
			name:     "unknown facility",
			filename: "image.png",
			image:    pngBytes,
			fields:   map[string]string{"product_sku": "WK-KN-200", "facility": "osaka"},
		},
		{
			name:     "broken metadata json",
			filename: "image.png",
			image:    pngBytes,
			fields:   map[string]string{"product_sku": "WK-KN-200", "facility": "yangjiang", "metadata": "{not json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := &fakeGateway{}
			r := testRouter(gateway, nil)

			body, contentType := multipartUpload(t, tt.filename, tt.image, tt.fields)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, gateway.request)
		})
	}
}

func TestIngestHandler_IngestGatewayFailure(t *testing.T) {
	gateway := &fakeGateway{err: errors.New("broker unreachable")}
	r := testRouter(gateway, nil)

	body, contentType := multipartUpload(t, "image.png", pngBytes, map[string]string{
		"product_sku": "WK-SC-200",
		"facility":    "shenzhen",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestIngestHandler_GetIngestStatus(t *testing.T) {
	statusReader := &fakeLedger{inspection: &ledger.Inspection{
		ImageID:     "3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44",
		ProductSKU:  "WK-KN-200",
		Facility:    "yangjiang",
		BlobName:    "3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44.png",
		Status:      ledger.StatusCompleted,
		ReceivedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ProcessedAt: sql.NullTime{Time: time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC), Valid: true},
	}}
	r := testRouter(&fakeGateway{}, statusReader)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingests/3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp["status"])
	assert.Equal(t, "2026-03-14T09:31:00Z", resp["processed_at"])
	assert.NotContains(t, resp, "error_message")
}

func TestIngestHandler_GetIngestStatusNotFound(t *testing.T) {
	r := testRouter(&fakeGateway{}, &fakeLedger{err: ledger.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingests/3f1b0a52-9c41-4c17-8d9f-0c2a6d1e7b44", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestHandler_GetIngestStatusRejectsBadID(t *testing.T) {
	r := testRouter(&fakeGateway{}, &fakeLedger{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingests/not-a-uuid", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	r := testRouter(&fakeGateway{}, nil)

	tests := []struct {
		path     string
		contains string
	}{
		{"/api/v1/defect-types", "blade_chip"},
		{"/api/v1/facilities", "yangjiang"},
		{"/api/v1/production-stages", "heat_treatment"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Count int      `json:"count"`
				Items []string `json:"items"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, len(resp.Items), resp.Count)
			assert.Contains(t, resp.Items, tt.contains)
		})
	}
}
