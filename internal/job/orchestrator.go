package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clearlens/clearlens/internal/config"
	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/ingest"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/clearlens/clearlens/internal/notify"
	"github.com/clearlens/clearlens/internal/report"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/clearlens/clearlens/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Deps wires the orchestrator to the rest of the system. Converter may be
// nil, which disables fixed-layout output; Notifier may be nil, which
// disables webhook delivery.
type Deps struct {
	Jobs      *repository.JobRepository
	Findings  *repository.FindingRepository
	Reports   *repository.ReportRepository
	Locks     *repository.SourceLockRepository
	Store     storage.ObjectStorage
	Validator *ingest.Validator
	Parser    *ingest.Parser
	Renderer  *report.Renderer
	Converter report.Converter
	Metrics   *metrics.Cache
	Notifier  *notify.Notifier
	Log       *logger.Logger
}

// Orchestrator owns the job lifecycle: accepting uploads, claiming queued
// jobs, driving the state machine through parsing and report generation,
// retrying transient failures and classifying terminal ones. The jobs table
// is the queue, so accepted work survives a restart.
type Orchestrator struct {
	cfg     config.JobsConfig
	deps    Deps
	backoff Backoff

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg config.JobsConfig, deps Deps) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		backoff: Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit accepts an uploaded findings export: it checks the declared size,
// takes the source-file lease so a concurrent duplicate is refused
// atomically, stores the file and queues the job for processing. The lease is
// held until the job reaches a terminal state.
// Parameters:
//   - ctx: cancellation and deadline control.
//   - sourceFileName: original upload name, also the concurrency key.
//   - size: declared file size in bytes.
//   - r: file content.
//   - requestedReports: report types to generate after parsing; may be empty.
// Returns:
//   - *domain.Job: the queued job in state uploaded.
//   - error: *domain.ValidationError on a too-large file,
//     domain.ErrAlreadyProcessing on a concurrent duplicate, or a
//     datastore/storage failure.
func (o *Orchestrator) Submit(ctx context.Context, sourceFileName string, size int64, r io.Reader, requestedReports []string) (*domain.Job, error) {
	if err := o.deps.Validator.CheckSize(size); err != nil {
		return nil, err
	}
	types := make(domain.StringList, 0, len(requestedReports))
	for _, raw := range requestedReports {
		t, err := domain.ParseReportType(raw)
		if err != nil {
			return nil, err
		}
		types = append(types, string(t))
	}

	// Backstop for an active job whose lease has expired; the lease below is
	// what makes concurrent duplicates race-safe.
	active, err := o.deps.Jobs.HasActiveForSource(ctx, sourceFileName, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if active {
		return nil, domain.ErrAlreadyProcessing
	}

	j := &domain.Job{
		ID:               uuid.NewString(),
		State:            domain.JobStatePending,
		SourceFileName:   sourceFileName,
		SourceFileSize:   size,
		RequestedReports: types,
	}

	// The lease is the atomic admission gate: of two concurrent submissions
	// for the same file, exactly one acquires it.
	acquired, err := o.deps.Locks.Acquire(ctx, sourceFileName, j.ID, o.leaseDuration())
	if err != nil {
		return nil, fmt.Errorf("failed to reserve source file: %w", err)
	}
	if !acquired {
		return nil, domain.ErrAlreadyProcessing
	}
	queued := false
	defer func() {
		if !queued {
			_ = o.deps.Locks.Release(ctx, sourceFileName, j.ID)
		}
	}()

	if err := o.deps.Jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	key := fmt.Sprintf("sources/%s/%s", j.ID, sourceFileName)
	if err := o.deps.Store.Upload(ctx, key, r, size, "text/csv"); err != nil {
		_ = o.deps.Jobs.MarkFailed(ctx, j.ID, domain.JobStatePending, domain.FailureTransient, "source upload failed: "+err.Error())
		return nil, fmt.Errorf("failed to store source file: %w", err)
	}

	applied, err := o.deps.Jobs.Transition(ctx, j.ID, domain.JobStatePending, domain.JobStateUploaded, map[string]interface{}{
		"source_file_key": key,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("job %s left pending state unexpectedly", j.ID)
	}
	queued = true
	j.State = domain.JobStateUploaded
	j.SourceFileKey = key

	o.deps.Log.WithFields(logger.Fields{
		logger.FieldJobID:      j.ID,
		logger.FieldSourceFile: sourceFileName,
		logger.FieldSize:       size,
	}).Info("job queued")
	return j, nil
}

// Cancel requests cancellation of a job. A job this process is executing is
// cancelled cooperatively at its next chunk boundary; a queued job (or one
// running in another process) is failed directly with the cancelled kind.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, j.State)
	}

	o.mu.Lock()
	cancel, running := o.cancels[jobID]
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	applied, err := o.deps.Jobs.Transition(ctx, jobID, j.State, domain.JobStateFailed, map[string]interface{}{
		"error_kind":   domain.FailureCancelled,
		"error_detail": "cancelled by request",
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("job %s changed state during cancellation, retry", jobID)
	}
	o.discardPartialWork(ctx, jobID)
	if err := o.deps.Locks.Release(ctx, j.SourceFileName, jobID); err != nil {
		o.deps.Log.WithField(logger.FieldJobID, jobID).WithError(err).Warn("failed to release source file lease")
	}
	o.notifyFinished(ctx, jobID)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled. Each worker
// polls the queue and executes one job at a time.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	log := o.deps.Log.WithField(logger.FieldComponent, fmt.Sprintf("worker-%d", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := o.deps.Jobs.ClaimNextUploaded(ctx)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.WithError(err).Warn("failed to claim job")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.PollInterval):
			}
			continue
		}
		o.Execute(ctx, j)
	}
}

// Execute drives one claimed job to a terminal state. Transient failures are
// retried with backoff up to the attempt limit; validation failures,
// timeouts and cancellations are terminal. Partial findings never survive a
// failed attempt.
func (o *Orchestrator) Execute(ctx context.Context, j *domain.Job) {
	log := o.deps.Log.WithFields(logger.Fields{
		logger.FieldJobID:      j.ID,
		logger.FieldSourceFile: j.SourceFileName,
	})

	// Renew the lease taken at submission so it outlives the longest
	// possible run from here; a crashed worker's lease still expires.
	acquired, err := o.deps.Locks.Acquire(ctx, j.SourceFileName, j.ID, o.leaseDuration())
	if err == nil && !acquired {
		err = errors.New("source file lease held by another job")
	}
	if err != nil {
		o.failJob(ctx, j, domain.FailureTransient, err.Error())
		return
	}
	defer func() {
		// Release with a fresh context: the job context may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.deps.Locks.Release(releaseCtx, j.SourceFileName, j.ID); err != nil {
			log.WithError(err).Warn("failed to release source file lease")
		}
	}()

	var lastErr error
	for attempt := j.AttemptCount + 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := o.deps.Jobs.IncrementAttempts(ctx, j.ID); err != nil {
			log.WithError(err).Warn("failed to record attempt")
		}
		j.AttemptCount = attempt

		lastErr = o.runAttempt(ctx, j, log)
		if lastErr == nil {
			return
		}
		// A cancel or deadline ends the job even when it surfaced wrapped
		// in a transient I/O error.
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if !domain.IsTransient(lastErr) || attempt == o.cfg.MaxAttempts {
			break
		}

		o.discardPartialWork(ctx, j.ID)
		delay := o.backoff.Delay(attempt)
		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).
			WithError(lastErr).Warn("transient failure, retrying")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("attempt limit %d already exhausted", o.cfg.MaxAttempts)
	}
	o.discardPartialWork(ctx, j.ID)
	if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
		// Worker pool shutdown, not a caller cancel: hand the job back to
		// the queue so a restarted worker re-claims it.
		o.requeueOnShutdown(j, log)
		return
	}
	kind, detail := classifyTerminal(lastErr)
	o.failJob(ctx, j, kind, detail)
}

// leaseDuration sizes the source-file lease to outlive the worst legitimate
// run: every attempt at full timeout, plus the configured margin.
func (o *Orchestrator) leaseDuration() time.Duration {
	return time.Duration(o.cfg.MaxAttempts)*o.cfg.Timeout + o.cfg.LockLeaseMargin
}

// requeueOnShutdown returns an interrupted job to the uploaded state with its
// cut-short attempt given back, so the queue re-delivers it after a restart.
func (o *Orchestrator) requeueOnShutdown(j *domain.Job, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	applied, err := o.deps.Jobs.Requeue(ctx, j.ID, j.State)
	if err != nil {
		log.WithError(err).Error("failed to requeue job at shutdown")
		return
	}
	if !applied {
		log.Warn("job changed state during shutdown, leaving it as is")
		return
	}
	j.State = domain.JobStateUploaded
	log.Info("worker shutting down, job returned to queue")
}

// runAttempt executes one attempt under the wall-clock timeout, with a soft
// warning before the deadline and a cancel handle registered for Cancel.
func (o *Orchestrator) runAttempt(parent context.Context, j *domain.Job, log *logger.Logger) error {
	var ctx context.Context
	var cancel context.CancelFunc
	if o.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, o.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	o.mu.Lock()
	o.cancels[j.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, j.ID)
		o.mu.Unlock()
	}()

	if o.cfg.SoftWarnAfter > 0 {
		warn := time.AfterFunc(o.cfg.SoftWarnAfter, func() {
			log.Warn("job approaching wall-clock timeout")
		})
		defer warn.Stop()
	}

	start := time.Now()
	err := o.process(ctx, j, log)
	if err == nil {
		log.WithField(logger.FieldDurationMs, time.Since(start).Milliseconds()).Info("job completed")
	}
	return err
}

// process runs the pipeline for one attempt: download, validate, parse and
// persist, then generate requested reports.
func (o *Orchestrator) process(ctx context.Context, j *domain.Job, log *logger.Logger) error {
	rc, err := o.deps.Store.Download(ctx, j.SourceFileKey)
	if err != nil {
		return domain.Transient(fmt.Errorf("source download failed: %w", err))
	}
	defer rc.Close()

	plan, err := o.deps.Validator.Validate(rc, j.SourceFileSize)
	if err != nil {
		return err
	}

	// A retry may leave findings from the previous attempt.
	if err := o.deps.Findings.DeleteByJob(ctx, j.ID); err != nil {
		return domain.Transient(err)
	}

	res, err := o.deps.Parser.Parse(ctx, plan, j.ID, func(ctx context.Context, chunk []domain.Finding) error {
		return domain.Transient(o.deps.Findings.CreateBatch(ctx, chunk))
	})
	if res != nil {
		if countErr := o.deps.Jobs.UpdateCounts(ctx, j.ID, res.RowCount, res.ErrorRows); countErr != nil {
			log.WithError(countErr).Warn("failed to record row counts")
		}
		j.RowCount = res.RowCount
		j.ErrorRowCount = res.ErrorRows
	}
	if err != nil {
		return err
	}
	o.deps.Metrics.Invalidate(j.ID)
	log.WithField(logger.FieldCount, res.RowCount).Info("source file parsed")

	if len(j.RequestedReports) == 0 {
		return o.complete(ctx, j, domain.JobStateProcessing)
	}

	applied, err := o.deps.Jobs.Transition(ctx, j.ID, domain.JobStateProcessing, domain.JobStateGenerating, nil)
	if err != nil {
		return domain.Transient(err)
	}
	if !applied {
		// A retried attempt finds the row already in generating when the
		// previous attempt failed past this point; re-entry is fine. Any
		// other state means the job was taken away from us.
		current, getErr := o.deps.Jobs.GetByID(ctx, j.ID)
		if getErr != nil {
			return domain.Transient(getErr)
		}
		if current.State != domain.JobStateGenerating {
			return fmt.Errorf("job %s left processing state unexpectedly", j.ID)
		}
	}
	j.State = domain.JobStateGenerating

	types := make([]domain.ReportType, 0, len(j.RequestedReports))
	for _, raw := range j.RequestedReports {
		t, err := domain.ParseReportType(raw)
		if err != nil {
			log.WithError(err).Warn("skipping unknown requested report type")
			continue
		}
		types = append(types, t)
	}
	if err := o.RenderReports(ctx, j.ID, types); err != nil {
		return err
	}
	return o.complete(ctx, j, domain.JobStateGenerating)
}

func (o *Orchestrator) complete(ctx context.Context, j *domain.Job, from domain.JobState) error {
	applied, err := o.deps.Jobs.Transition(ctx, j.ID, from, domain.JobStateCompleted, map[string]interface{}{
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		return domain.Transient(err)
	}
	if !applied {
		return fmt.Errorf("job %s left %s state unexpectedly", j.ID, from)
	}
	j.State = domain.JobStateCompleted
	o.notifyFinished(ctx, j.ID)
	return nil
}

// RenderReports renders the given report views for a job. Each report is
// independent: a failed render is recorded on its own report record and
// never fails the job or its sibling reports. Re-rendering an existing
// (job, type, format) is idempotent and replaces the artifact.
func (o *Orchestrator) RenderReports(ctx context.Context, jobID string, types []domain.ReportType) error {
	findings, err := o.deps.Findings.ListByJob(ctx, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to load findings: %w", err))
	}
	snapshot, err := o.deps.Metrics.Snapshot(ctx, jobID, true)
	if err != nil {
		return domain.Transient(err)
	}

	var wg sync.WaitGroup
	for _, t := range types {
		wg.Add(1)
		go func(t domain.ReportType) {
			defer wg.Done()
			o.renderOne(ctx, jobID, t, findings, snapshot)
		}(t)
	}
	wg.Wait()
	return nil
}

// renderOne produces the styled artifact for one view, and the fixed-layout
// artifact when a converter is configured.
func (o *Orchestrator) renderOne(ctx context.Context, jobID string, t domain.ReportType, findings []domain.Finding, snapshot *domain.MetricsSnapshot) {
	log := o.deps.Log.WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		"report_type":     t,
	})

	styled := o.trackReport(ctx, jobID, t, domain.FormatStyled, log)
	doc, err := o.deps.Renderer.Render(findings, snapshot, t)
	if err != nil {
		o.reportFailed(ctx, styled, err, log)
		return
	}

	if styled != nil {
		html, err := o.deps.Renderer.HTML(doc)
		if err != nil {
			o.reportFailed(ctx, styled, err, log)
		} else if key, err := o.uploadArtifact(ctx, jobID, t, "html", "text/html; charset=utf-8", html); err != nil {
			o.reportFailed(ctx, styled, err, log)
		} else if err := o.deps.Reports.MarkCompleted(ctx, styled.ID, key); err != nil {
			log.WithError(err).Error("failed to record styled artifact")
		}
	}

	if o.deps.Converter == nil {
		return
	}
	fixed := o.trackReport(ctx, jobID, t, domain.FormatFixedLayout, log)
	if fixed == nil {
		return
	}
	pdf, err := o.deps.Converter.Convert(doc)
	if err != nil {
		o.reportFailed(ctx, fixed, err, log)
		return
	}
	key, err := o.uploadArtifact(ctx, jobID, t, "pdf", "application/pdf", pdf)
	if err != nil {
		o.reportFailed(ctx, fixed, err, log)
		return
	}
	if err := o.deps.Reports.MarkCompleted(ctx, fixed.ID, key); err != nil {
		log.WithError(err).Error("failed to record fixed-layout artifact")
	}
}

// trackReport upserts the pending report record for a (job, type, format)
// triple and returns the canonical row.
func (o *Orchestrator) trackReport(ctx context.Context, jobID string, t domain.ReportType, f domain.OutputFormat, log *logger.Logger) *domain.Report {
	rep := &domain.Report{
		ID:     uuid.NewString(),
		JobID:  jobID,
		Type:   t,
		Format: f,
		Status: domain.ReportStatusPending,
	}
	if err := o.deps.Reports.Upsert(ctx, rep); err != nil {
		log.WithError(err).Error("failed to create report record")
		return nil
	}
	// The upsert keeps the original row's ID on conflict; re-read for it.
	current, err := o.deps.Reports.GetByTriple(ctx, jobID, t, f)
	if err != nil {
		log.WithError(err).Error("failed to load report record")
		return nil
	}
	return current
}

func (o *Orchestrator) reportFailed(ctx context.Context, rep *domain.Report, err error, log *logger.Logger) {
	if rep == nil {
		return
	}
	kind, detail := reportFailureKind(err)
	log.WithField(logger.FieldReportID, rep.ID).WithError(err).Warn("report generation failed")
	if markErr := o.deps.Reports.MarkFailed(ctx, rep.ID, kind, detail); markErr != nil {
		log.WithError(markErr).Error("failed to record report failure")
	}
}

func (o *Orchestrator) uploadArtifact(ctx context.Context, jobID string, t domain.ReportType, ext, contentType string, body []byte) (string, error) {
	key := fmt.Sprintf("artifacts/%s/%s.%s", jobID, t, ext)
	if err := o.deps.Store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return "", fmt.Errorf("artifact upload failed: %w", err)
	}
	return key, nil
}

// discardPartialWork deletes findings and report rows left by a failed or
// cancelled attempt. Partial results must never be observable.
func (o *Orchestrator) discardPartialWork(ctx context.Context, jobID string) {
	cleanupCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := o.deps.Findings.DeleteByJob(cleanupCtx, jobID); err != nil {
		o.deps.Log.WithField(logger.FieldJobID, jobID).WithError(err).Warn("failed to discard partial findings")
	}
	if err := o.deps.Reports.DeleteByJob(cleanupCtx, jobID); err != nil {
		o.deps.Log.WithField(logger.FieldJobID, jobID).WithError(err).Warn("failed to discard partial reports")
	}
	o.deps.Metrics.Invalidate(jobID)
}

func (o *Orchestrator) failJob(ctx context.Context, j *domain.Job, kind domain.FailureKind, detail string) {
	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := o.deps.Jobs.MarkFailed(failCtx, j.ID, j.State, kind, detail); err != nil {
		o.deps.Log.WithField(logger.FieldJobID, j.ID).WithError(err).Error("failed to record job failure")
		return
	}
	j.State = domain.JobStateFailed
	o.deps.Log.WithFields(logger.Fields{
		logger.FieldJobID:  j.ID,
		logger.FieldStatus: string(kind),
	}).Warn("job failed: " + detail)
	o.notifyFinished(failCtx, j.ID)
}

func (o *Orchestrator) notifyFinished(ctx context.Context, jobID string) {
	if o.deps.Notifier == nil {
		return
	}
	notifyCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		notifyCtx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
	}
	j, err := o.deps.Jobs.GetByID(notifyCtx, jobID)
	if err != nil {
		o.deps.Log.WithField(logger.FieldJobID, jobID).WithError(err).Warn("failed to load job for notification")
		return
	}
	o.deps.Notifier.JobFinished(notifyCtx, j)
}

// classifyTerminal maps a final attempt error onto the failure taxonomy,
// distinguishing the deadline from a caller-requested cancel.
func classifyTerminal(err error) (domain.FailureKind, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout, "job exceeded its processing time limit"
	case errors.Is(err, context.Canceled):
		return domain.FailureCancelled, "cancelled by request"
	}
	return domain.ClassifyFailure(err)
}

func reportFailureKind(err error) (domain.FailureKind, string) {
	switch {
	case errors.Is(err, domain.ErrIncompleteDocument):
		return domain.FailureIncompleteDocument, err.Error()
	case errors.Is(err, domain.ErrConverterUnavailable):
		return domain.FailureConverterDown, err.Error()
	}
	return domain.ClassifyFailure(err)
}
