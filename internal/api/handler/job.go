package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/clearlens/clearlens/internal/api/middleware"
	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/job"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// JobHandler handles job submission and lifecycle endpoints.
type JobHandler struct {
	orchestrator *job.Orchestrator
	jobs         *repository.JobRepository
	reports      *repository.ReportRepository
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - orchestrator: job orchestrator for submission and cancellation.
//   - jobs: job repository for reads.
//   - reports: report repository for terminal-state report references.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(orchestrator *job.Orchestrator, jobs *repository.JobRepository, reports *repository.ReportRepository) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
		jobs:         jobs,
		reports:      reports,
	}
}

// Submit handles POST /api/v1/jobs.
// Accepts a multipart upload with a "file" part and optional repeated
// "report_types" values; responds 202 with the queued job.
func (h *JobHandler) Submit(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Multipart field 'file' is required: " + err.Error(),
		})
		return
	}
	reportTypes := c.PostFormArray("report_types")

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to open upload: " + err.Error(),
		})
		return
	}
	defer f.Close()

	j, err := h.orchestrator.Submit(c.Request.Context(), fileHeader.Filename, fileHeader.Size, f, reportTypes)
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve) && ve.Kind == domain.FailureFileTooLarge:
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrAlreadyProcessing):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case strings.Contains(err.Error(), "unknown report type"):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			middleware.GetLogger(c).WithError(err).Error("job submission failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept job"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": j.ID,
		"state":  j.State,
	})
}

// List handles GET /api/v1/jobs with optional state filter and pagination.
func (h *JobHandler) List(c *gin.Context) {
	state := domain.JobState(c.Query("state"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.jobs.List(c.Request.Context(), state, limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  len(jobs),
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/v1/jobs/:id. Terminal jobs include their report
// references.
func (h *JobHandler) Get(c *gin.Context) {
	id := c.Param("id")
	j, err := h.jobs.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("failed to load job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	resp := gin.H{"job": j}
	if j.State.Terminal() {
		reports, err := h.reports.ListByJob(c.Request.Context(), id)
		if err != nil {
			middleware.GetLogger(c).WithError(err).Warn("failed to load report references")
		} else {
			resp["reports"] = reports
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Cancel handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.orchestrator.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "cancelling": true})
}
