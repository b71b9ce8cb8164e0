// handlers_analysis.go - Analysis job handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/models"
)

// AnalysisHandlerImpl implements the AnalysisHandler interface
type AnalysisHandlerImpl struct {
	jobs AnalysisService
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(svc AnalysisService) AnalysisHandler {
	return &AnalysisHandlerImpl{jobs: svc}
}

type startAnalysisRequest struct {
	FileIDs       []string                     `json:"fileIds"`
	Configuration *models.ExtractionParameters `json:"configuration"`
}

// HandleStartAnalysis starts a job over the given files
func (h *AnalysisHandlerImpl) HandleStartAnalysis(c echo.Context) error {
	var req startAnalysisRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	var params models.ExtractionParameters
	if req.Configuration != nil {
		params = *req.Configuration
	}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return MapError(err, "invalid configuration")
	}

	job, err := h.jobs.Start(c.Request().Context(), req.FileIDs, params)
	if err != nil {
		return MapError(err, "Failed to start analysis")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":             true,
		"jobId":               job.ID,
		"message":             "Analysis started successfully",
		"estimatedCompletion": job.EstimatedCompletion,
	})
}

// HandleAnalysisStatus returns a job record
func (h *AnalysisHandlerImpl) HandleAnalysisStatus(c echo.Context) error {
	job, err := h.jobs.GetStatus(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		return MapError(err, "Failed to fetch analysis status")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"job": job,
	})
}
