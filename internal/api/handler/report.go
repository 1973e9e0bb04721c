package handler

import (
	"errors"
	"net/http"

	"github.com/clearlens/clearlens/internal/api/middleware"
	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/clearlens/clearlens/internal/storage"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ReportHandler serves rendered report artifacts.
type ReportHandler struct {
	reports    *repository.ReportRepository
	store      storage.ObjectStorage
	pdfEnabled bool
}

// NewReportHandler creates a new report handler.
// Parameters:
//   - reports: report repository.
//   - store: artifact storage.
//   - pdfEnabled: whether the fixed-layout converter is configured.
// Returns:
//   - *ReportHandler: initialized handler.
func NewReportHandler(reports *repository.ReportRepository, store storage.ObjectStorage, pdfEnabled bool) *ReportHandler {
	return &ReportHandler{reports: reports, store: store, pdfEnabled: pdfEnabled}
}

// GetArtifact handles GET /api/v1/reports/:id/artifact.
// ?format=styled|pdf selects the sibling format of the same (job, type) when
// it differs from the addressed report's own format.
func (h *ReportHandler) GetArtifact(c *gin.Context) {
	id := c.Param("id")
	rep, err := h.reports.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("failed to load report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load report"})
		return
	}

	format := rep.Format
	if raw := c.Query("format"); raw != "" {
		format, err = domain.ParseOutputFormat(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if format != rep.Format {
		sibling, err := h.reports.GetByTriple(c.Request.Context(), rep.JobID, rep.Type, format)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if format == domain.FormatFixedLayout && !h.pdfEnabled {
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.ErrConverterUnavailable.Error()})
					return
				}
				c.JSON(http.StatusNotFound, gin.H{"error": "No artifact in the requested format"})
				return
			}
			middleware.GetLogger(c).WithError(err).Error("failed to load report")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load report"})
			return
		}
		rep = sibling
	}

	switch rep.Status {
	case domain.ReportStatusPending:
		c.JSON(http.StatusConflict, gin.H{"error": "Report is not ready yet"})
		return
	case domain.ReportStatusFailed:
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":        "Report generation failed",
			"error_kind":   rep.ErrorKind,
			"error_detail": rep.ErrorDetail,
		})
		return
	}

	body, err := h.store.Download(c.Request.Context(), rep.ArtifactKey)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("failed to fetch artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch artifact"})
		return
	}
	defer body.Close()

	contentType := "text/html; charset=utf-8"
	if rep.Format == domain.FormatFixedLayout {
		contentType = "application/pdf"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, body, nil)
}
