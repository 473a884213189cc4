package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wiko-cutlery/defect-pipeline/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "defect-ingest-service",
		})
	})

	ingestHandler := handler.NewIngestHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/ingest - Upload an image for async defect analysis
		v1.POST("/ingest", ingestHandler.Ingest)

		// GET /api/v1/ingests/:image_id - Inspection status lookup
		v1.GET("/ingests/:image_id", ingestHandler.GetIngestStatus)

		// Static taxonomy catalogs
		v1.GET("/defect-types", ingestHandler.ListDefectTypes)
		v1.GET("/facilities", ingestHandler.ListFacilities)
		v1.GET("/production-stages", ingestHandler.ListProductionStages)
	}

	return r
}
