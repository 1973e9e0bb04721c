package repository

import (
	"context"
	"fmt"

	"github.com/clearlens/clearlens/internal/domain"
	"gorm.io/gorm"
)

// FindingRepository handles finding persistence. Findings are written once
// per chunk during parsing and read-only afterwards.
type FindingRepository struct {
	db *gorm.DB
}

// NewFindingRepository creates a new FindingRepository.
func NewFindingRepository(db *gorm.DB) *FindingRepository {
	return &FindingRepository{db: db}
}

// CreateBatch inserts one parsed chunk of findings.
func (r *FindingRepository) CreateBatch(ctx context.Context, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&findings).Error; err != nil {
		return fmt.Errorf("failed to insert findings batch: %w", err)
	}
	return nil
}

// ListByJob retrieves all findings owned by a job, ordered by source row so
// repeated reads are stable.
func (r *FindingRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Finding, error) {
	var findings []domain.Finding
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("source_row ASC").
		Find(&findings).Error; err != nil {
		return nil, err
	}
	return findings, nil
}

// CountByJob counts findings owned by a job.
func (r *FindingRepository) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&domain.Finding{}).
		Where("job_id = ?", jobID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByJob removes all findings owned by a job. Used to discard partial
// work when a job fails or is cancelled mid-parse.
func (r *FindingRepository) DeleteByJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&domain.Finding{}).Error
}
