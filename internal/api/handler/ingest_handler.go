package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wiko-cutlery/defect-pipeline/internal/api/dto"
	"github.com/wiko-cutlery/defect-pipeline/internal/ingest"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/internal/validation"
)

// Ingest handles POST /api/v1/ingest
// Accepts a multipart upload and enqueues it for async defect analysis.
//
// Form fields:
//   - image: image file (JPEG/PNG/WebP)
//   - product_sku: product SKU (required)
//   - facility: facility code (required)
//   - metadata: optional JSON object (batch_id, shift, etc.)
func (h *IngestHandler) Ingest(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No image file provided",
		})
		return
	}
	if fileHeader.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file selected",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("Failed to read uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
		})
		return
	}

	if err := validation.ValidateImage(fileHeader.Filename, data, h.maxImageSize); err != nil {
		h.logger.Warn("Invalid file upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	productSKU, err := validation.ValidateProductSKU(c.PostForm("product_sku"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	facility, err := validation.ValidateFacility(c.PostForm("facility"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	metadata := map[string]any{}
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid metadata JSON",
			})
			return
		}
	}

	contentType := fileHeader.Header.Get("Content-Type")

	result, err := h.gateway.Ingest(c.Request.Context(), &ingest.Request{
		Filename:    fileHeader.Filename,
		Image:       data,
		ContentType: contentType,
		ProductSKU:  productSKU,
		Facility:    facility,
		Metadata:    metadata,
	})
	if err != nil {
		h.logger.Error("Failed to ingest image", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to ingest image",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.IngestResponse{
		Success:      true,
		ImageID:      result.ImageID,
		BlobName:     result.BlobRef.Key,
		RawContainer: result.BlobRef.Container,
		Queue:        result.Queue,
		EnqueuedAt:   result.EnqueuedAt.Format(time.RFC3339),
	})
}

// GetIngestStatus handles GET /api/v1/ingests/:image_id
// Returns the ledger row for an ingested image. Observational only: the
// pipeline never reports completion back to the client.
func (h *IngestHandler) GetIngestStatus(c *gin.Context) {
	imageID := c.Param("image_id")
	if _, err := uuid.Parse(imageID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "image_id must be a valid UUID",
		})
		return
	}

	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Inspection ledger is not configured",
		})
		return
	}

	inspection, err := h.ledger.GetByImageID(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Unknown image_id",
			})
			return
		}
		h.logger.Error("Failed to look up inspection",
			slog.String("image_id", imageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to look up inspection",
		})
		return
	}

	resp := dto.IngestStatusResponse{
		ImageID:    inspection.ImageID,
		ProductSKU: inspection.ProductSKU,
		Facility:   inspection.Facility,
		BlobName:   inspection.BlobName,
		Status:     inspection.Status,
		ReceivedAt: inspection.ReceivedAt.Format(time.RFC3339),
	}
	if inspection.ErrorMessage.Valid {
		resp.ErrorMessage = inspection.ErrorMessage.String
	}
	if inspection.ProcessedAt.Valid {
		resp.ProcessedAt = inspection.ProcessedAt.Time.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}
