package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobState represents where a job sits in its processing lifecycle.
// Happy path: Pending -> Uploaded -> Processing -> Generating -> Completed.
// Failed is reachable from Processing and Generating. Completed and Failed
// are terminal and immutable.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateUploaded   JobState = "uploaded"
	JobStateProcessing JobState = "processing"
	JobStateGenerating JobState = "generating"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Active reports whether a job in this state still occupies the pipeline
// for its source file.
func (s JobState) Active() bool {
	switch s {
	case JobStatePending, JobStateUploaded, JobStateProcessing, JobStateGenerating:
		return true
	}
	return false
}

// validTransitions encodes the job state machine. Mutations outside this
// table are rejected before they reach the datastore.
var validTransitions = map[JobState][]JobState{
	JobStatePending:    {JobStateUploaded, JobStateFailed},
	JobStateUploaded:   {JobStateProcessing, JobStateFailed},
	JobStateProcessing: {JobStateGenerating, JobStateCompleted, JobStateFailed},
	JobStateGenerating: {JobStateCompleted, JobStateFailed},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StringList is a custom type for storing string slices as JSON in the database.
type StringList []string

// Value implements the driver.Valuer interface for database serialization.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// Job is one processing attempt for one uploaded findings export.
// Mutated only by the orchestrator; created on upload acceptance.
type Job struct {
	ID               string      `gorm:"type:text;primaryKey" json:"id"`
	State            JobState    `gorm:"type:text;index:idx_jobs_state;default:pending" json:"state"`
	SourceFileName   string      `gorm:"type:text;not null;index:idx_jobs_source" json:"source_file_name"`
	SourceFileKey    string      `gorm:"type:text" json:"source_file_key"`
	SourceFileSize   int64       `json:"source_file_size"`
	RowCount         int         `gorm:"default:0" json:"row_count"`
	ErrorRowCount    int         `gorm:"default:0" json:"error_row_count"`
	RequestedReports StringList  `gorm:"type:text" json:"requested_reports"`
	AttemptCount     int         `gorm:"default:0" json:"attempt_count"`
	ErrorKind        FailureKind `gorm:"type:text" json:"error_kind,omitempty"`
	ErrorDetail      string      `gorm:"type:text" json:"error_detail,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}
