package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReportType selects one of the five audience-oriented views over a job's
// findings. The set is closed; new views are added as new policies, not by
// widening existing ones.
type ReportType string

const (
	ReportDetailed   ReportType = "detailed"
	ReportExecutive  ReportType = "executive"
	ReportCost       ReportType = "cost"
	ReportSecurity   ReportType = "security"
	ReportOperations ReportType = "operations"
)

// ReportTypes lists all valid report types in a stable order.
var ReportTypes = []ReportType{
	ReportDetailed,
	ReportExecutive,
	ReportCost,
	ReportSecurity,
	ReportOperations,
}

// ParseReportType validates a requested report type string.
func ParseReportType(raw string) (ReportType, error) {
	t := ReportType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ReportTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown report type %q", raw)
}

// OutputFormat distinguishes the reflowable styled document from the
// paginated fixed-layout artifact derived from it.
type OutputFormat string

const (
	FormatStyled      OutputFormat = "styled"
	FormatFixedLayout OutputFormat = "pdf"
)

// ParseOutputFormat validates a requested output format string.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "styled", "html":
		return FormatStyled, nil
	case "pdf", "fixed", "fixed-layout":
		return FormatFixedLayout, nil
	}
	return "", fmt.Errorf("unknown output format %q", raw)
}

// ReportStatus tracks one rendered artifact's lifecycle. A failed report
// never fails its parent job; other requested reports may still succeed.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
)

// Report is one rendered artifact for a (job, type, format) triple.
// Owned by the job that supplied its data.
type Report struct {
	ID          string       `gorm:"type:text;primaryKey" json:"id"`
	JobID       string       `gorm:"type:text;not null;index:idx_reports_job,unique" json:"job_id"`
	Type        ReportType   `gorm:"type:text;not null;index:idx_reports_job,unique" json:"type"`
	Format      OutputFormat `gorm:"type:text;not null;index:idx_reports_job,unique" json:"format"`
	Status      ReportStatus `gorm:"type:text;default:pending" json:"status"`
	ArtifactKey string       `gorm:"type:text" json:"artifact_key,omitempty"`
	ErrorKind   FailureKind  `gorm:"type:text" json:"error_kind,omitempty"`
	ErrorDetail string       `gorm:"type:text" json:"error_detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Report.
func (Report) TableName() string {
	return "reports"
}
