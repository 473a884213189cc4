package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wiko-cutlery/defect-pipeline/internal/api/dto"
	"github.com/wiko-cutlery/defect-pipeline/internal/validation"
)

// Static taxonomies the analysis engine classifies against. Updated in
// lockstep with the engine's model releases.
var defectTypes = []string{
	"rust_spot",
	"blade_scratch",
	"edge_irregularity",
	"blade_chip",
	"handle_crack",
	"handle_discoloration",
	"weld_defect",
	"polish_defect",
	"dimensional_error",
	"assembly_misalignment",
	"surface_contamination",
	"heat_treatment_defect",
	"none",
}

var productionStages = []string{
	"blade_stamp",
	"bolster_welding",
	"back_edge_polishing",
	"taper_grinding",
	"heat_treatment",
	"vacuum_quench",
	"handle_injection",
	"rivet_assembly",
	"handle_polishing",
	"blade_glazing",
	"cutting_edge_honing",
	"logo_print",
}

// ListDefectTypes handles GET /api/v1/defect-types
func (h *IngestHandler) ListDefectTypes(c *gin.Context) {
	c.JSON(http.StatusOK, dto.CatalogResponse{
		Count: len(defectTypes),
		Items: defectTypes,
	})
}

// ListFacilities handles GET /api/v1/facilities
func (h *IngestHandler) ListFacilities(c *gin.Context) {
	c.JSON(http.StatusOK, dto.CatalogResponse{
		Count: len(validation.AllowedFacilities),
		Items: validation.AllowedFacilities,
	})
}

// ListProductionStages handles GET /api/v1/production-stages
func (h *IngestHandler) ListProductionStages(c *gin.Context) {
	c.JSON(http.StatusOK, dto.CatalogResponse{
		Count: len(productionStages),
		Items: productionStages,
	})
}
