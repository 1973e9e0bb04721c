package repository

import (
	"context"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReportRepository handles report artifact records.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Upsert creates or updates a report keyed by (job, type, format).
func (r *ReportRepository) Upsert(ctx context.Context, report *domain.Report) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "type"}, {Name: "format"}},
		UpdateAll: true,
	}).Create(report).Error
}

// GetByID retrieves a report by its ID.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*domain.Report, error) {
	var report domain.Report
	if err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// GetByTriple retrieves the report for a (job, type, format) triple.
func (r *ReportRepository) GetByTriple(ctx context.Context, jobID string, t domain.ReportType, f domain.OutputFormat) (*domain.Report, error) {
	var report domain.Report
	if err := r.db.WithContext(ctx).
		First(&report, "job_id = ? AND type = ? AND format = ?", jobID, t, f).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// ListByJob retrieves all reports owned by a job.
func (r *ReportRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Report, error) {
	var reports []domain.Report
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("type ASC, format ASC").
		Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

// MarkCompleted records a successful render with its artifact location.
func (r *ReportRepository) MarkCompleted(ctx context.Context, id, artifactKey string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Report{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.ReportStatusCompleted,
			"artifact_key": artifactKey,
			"error_kind":   domain.FailureNone,
			"error_detail": "",
			"updated_at":   time.Now().UTC(),
		}).Error
}

// MarkFailed records a failed render. Report failures are scoped to the
// report; the parent job is untouched.
func (r *ReportRepository) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, detail string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Report{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.ReportStatusFailed,
			"error_kind":   kind,
			"error_detail": detail,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// DeleteByJob removes all reports owned by a job.
func (r *ReportRepository) DeleteByJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&domain.Report{}).Error
}
