package handler

import (
	"errors"
	"net/http"

	"github.com/clearlens/clearlens/internal/api/middleware"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MetricsHandler serves computed metrics snapshots for a job.
type MetricsHandler struct {
	cache *metrics.Cache
	jobs  *repository.JobRepository
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(cache *metrics.Cache, jobs *repository.JobRepository) *MetricsHandler {
	return &MetricsHandler{cache: cache, jobs: jobs}
}

// Get handles GET /api/v1/jobs/:id/metrics.
// ?refresh=true bypasses the cache and recomputes from the finding set.
func (h *MetricsHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.jobs.GetByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("failed to load job for metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	refresh := c.Query("refresh") == "true"
	snapshot, err := h.cache.Snapshot(c.Request.Context(), id, refresh)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("failed to compute metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute metrics"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// Invalidate handles POST /api/v1/jobs/:id/metrics/invalidate.
// Administrative: drops the cached snapshot so the next read recomputes.
func (h *MetricsHandler) Invalidate(c *gin.Context) {
	h.cache.Invalidate(c.Param("id"))
	c.Status(http.StatusNoContent)
}
