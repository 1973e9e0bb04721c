package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/go-resty/resty/v2"
)

// JobEvent is the payload POSTed to the configured webhook when a job
// reaches a terminal state.
type JobEvent struct {
	JobID          string             `json:"job_id"`
	State          domain.JobState    `json:"state"`
	SourceFileName string             `json:"source_file_name"`
	RowCount       int                `json:"row_count"`
	ErrorRowCount  int                `json:"error_row_count"`
	ErrorKind      domain.FailureKind `json:"error_kind,omitempty"`
	ErrorDetail    string             `json:"error_detail,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// Notifier delivers terminal job states to an external callback URL.
// Delivery is best-effort: failures are logged, never propagated into job
// state.
type Notifier struct {
	client *resty.Client
	url    string
	log    *logger.Logger
}

// Config holds webhook notifier settings. An empty URL disables delivery.
type Config struct {
	URL        string
	RetryCount int
	Timeout    time.Duration
}

// NewNotifier creates a webhook notifier. Returns nil when no URL is
// configured; a nil Notifier's methods are safe no-ops.
func NewNotifier(cfg *Config, log *logger.Logger) *Notifier {
	if cfg == nil || cfg.URL == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second)
	return &Notifier{client: client, url: cfg.URL, log: log}
}

// JobFinished delivers the terminal state of a job.
func (n *Notifier) JobFinished(ctx context.Context, job *domain.Job) {
	if n == nil {
		return
	}
	event := JobEvent{
		JobID:          job.ID,
		State:          job.State,
		SourceFileName: job.SourceFileName,
		RowCount:       job.RowCount,
		ErrorRowCount:  job.ErrorRowCount,
		ErrorKind:      job.ErrorKind,
		ErrorDetail:    job.ErrorDetail,
		OccurredAt:     time.Now().UTC(),
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(n.url)
	if err != nil {
		n.log.WithField(logger.FieldJobID, job.ID).WithError(err).Warn("webhook delivery failed")
		return
	}
	if resp.IsError() {
		n.log.WithFields(logger.Fields{
			logger.FieldJobID:  job.ID,
			logger.FieldStatus: resp.StatusCode(),
		}).Warn(fmt.Sprintf("webhook endpoint returned %s", resp.Status()))
	}
}
