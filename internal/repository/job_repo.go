package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles job persistence. All state mutations go through
// Transition so illegal state-machine steps never reach the datastore.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs filtered by state with pagination, newest first.
// An empty state returns all jobs.
func (r *JobRepository) List(ctx context.Context, state domain.JobState, limit, offset int) ([]domain.Job, error) {
	var jobs []domain.Job
	query := r.db.WithContext(ctx)
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition moves a job from one state to another atomically. The guard on
// the current state makes concurrent claims of the same job race-safe: the
// loser's update matches zero rows.
// Returns:
//   - bool: true if the transition was applied.
//   - error: non-nil on datastore failure or an illegal transition.
func (r *JobRepository) Transition(ctx context.Context, id string, from, to domain.JobState, updates map[string]interface{}) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimNextUploaded atomically claims the oldest uploaded job and moves it to
// processing. Returns gorm.ErrRecordNotFound when the queue is empty.
func (r *JobRepository) ClaimNextUploaded(ctx context.Context) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("state = ?", domain.JobStateUploaded).
			Order("created_at ASC").
			First(&job).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", job.ID, domain.JobStateUploaded).
			Updates(map[string]interface{}{
				"state":      domain.JobStateProcessing,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker claimed it between the select and the update.
			return gorm.ErrRecordNotFound
		}
		job.State = domain.JobStateProcessing
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Requeue returns an interrupted in-flight job to the uploaded state so
// another worker can re-claim it, giving back the attempt that was cut
// short. This is a queue hand-back at worker shutdown, not a lifecycle step,
// so it bypasses the transition table; the state guard still makes it
// race-safe.
func (r *JobRepository) Requeue(ctx context.Context, id string, from domain.JobState) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{
			"state":         domain.JobStateUploaded,
			"started_at":    nil,
			"attempt_count": gorm.Expr("CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed moves a job to the failed terminal state with its classified
// error kind and human-readable detail.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, from domain.JobState, kind domain.FailureKind, detail string) error {
	now := time.Now().UTC()
	_, err := r.Transition(ctx, id, from, domain.JobStateFailed, map[string]interface{}{
		"error_kind":   kind,
		"error_detail": detail,
		"completed_at": now,
	})
	return err
}

// HasActiveForSource reports whether any non-terminal job exists for the
// given source file, excluding the job identified by excludeID.
func (r *JobRepository) HasActiveForSource(ctx context.Context, sourceFileName, excludeID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("source_file_name = ? AND id <> ? AND state IN ?",
			sourceFileName, excludeID,
			[]domain.JobState{domain.JobStatePending, domain.JobStateUploaded, domain.JobStateProcessing, domain.JobStateGenerating}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IncrementAttempts bumps the attempt counter for a retry.
func (r *JobRepository) IncrementAttempts(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Update("attempt_count", gorm.Expr("attempt_count + 1")).Error
}

// UpdateCounts records the parsed row and error-row totals.
func (r *JobRepository) UpdateCounts(ctx context.Context, id string, rows, errorRows int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"row_count":       rows,
			"error_row_count": errorRows,
			"updated_at":      time.Now().UTC(),
		}).Error
}
