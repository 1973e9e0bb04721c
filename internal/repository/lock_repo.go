package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SourceLock is a lease-based lock row guaranteeing at most one processing
// job per source file. The lease expiry guards against a crashed worker
// holding the lock forever.
type SourceLock struct {
	SourceFileName string    `gorm:"type:text;primaryKey"`
	HolderJobID    string    `gorm:"type:text;not null"`
	ExpiresAt      time.Time `gorm:"not null"`
	AcquiredAt     time.Time
}

// TableName returns the database table name for SourceLock.
func (SourceLock) TableName() string {
	return "source_locks"
}

// SourceLockRepository manages per-source-file processing leases.
type SourceLockRepository struct {
	db *gorm.DB
}

// NewSourceLockRepository creates a new SourceLockRepository.
func NewSourceLockRepository(db *gorm.DB) *SourceLockRepository {
	return &SourceLockRepository{db: db}
}

// Acquire takes the lease for a source file on behalf of a job.
// An unexpired lease held by another job refuses the acquisition; an expired
// one is stolen.
// Returns:
//   - bool: true if the lease is now held by jobID.
//   - error: non-nil on datastore failure.
func (r *SourceLockRepository) Acquire(ctx context.Context, sourceFileName, jobID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	lock := SourceLock{
		SourceFileName: sourceFileName,
		HolderJobID:    jobID,
		ExpiresAt:      now.Add(lease),
		AcquiredAt:     now,
	}

	// Insert-or-steal in one statement: the conditional upsert only
	// overwrites an expired lease (or one we already hold), which is the
	// portable equivalent of SELECT ... FOR UPDATE across the supported
	// drivers.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_file_name"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Or(
				clause.Lte{Column: clause.Column{Table: "source_locks", Name: "expires_at"}, Value: now},
				clause.Eq{Column: clause.Column{Table: "source_locks", Name: "holder_job_id"}, Value: jobID},
			),
		}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"holder_job_id": jobID,
			"expires_at":    lock.ExpiresAt,
			"acquired_at":   now,
		}),
	}).Create(&lock).Error
	if err != nil {
		return false, err
	}

	var current SourceLock
	if err := r.db.WithContext(ctx).
		First(&current, "source_file_name = ?", sourceFileName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return current.HolderJobID == jobID && current.ExpiresAt.After(now), nil
}

// Release drops the lease if it is held by jobID. Releasing a lease another
// job has since stolen is a no-op.
func (r *SourceLockRepository) Release(ctx context.Context, sourceFileName, jobID string) error {
	return r.db.WithContext(ctx).
		Where("source_file_name = ? AND holder_job_id = ?", sourceFileName, jobID).
		Delete(&SourceLock{}).Error
}

// Held reports whether an unexpired lease exists for the source file.
func (r *SourceLockRepository) Held(ctx context.Context, sourceFileName string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SourceLock{}).
		Where("source_file_name = ? AND expires_at > ?", sourceFileName, time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
