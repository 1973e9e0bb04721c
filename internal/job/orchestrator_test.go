package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clearlens/clearlens/internal/config"
	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/ingest"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/clearlens/clearlens/internal/report"
	"github.com/clearlens/clearlens/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sampleCSV = "Category,Impact,Resource ID,Subscription ID,Recommendation,Potential Annual Savings\n" +
	"Cost,High,vm-1,sub-1,Resize the VM,1200\n" +
	"Security,Medium,kv-1,sub-1,Enable soft delete,0\n"

// memStore is an in-memory ObjectStorage with failure injection.
type memStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	failDownloads int  // fail this many downloads before serving
	blockDownload bool // Download waits for ctx cancellation
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	block := s.blockDownload
	if s.failDownloads > 0 {
		s.failDownloads--
		s.mu.Unlock()
		return nil, errors.New("object store unavailable")
	}
	data, ok := s.objects[key]
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) GetURL(key string) string { return "mem://" + key }

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// flakyFindingSource delegates to the real repository after failing a set
// number of calls, to exercise retries in the report phase.
type flakyFindingSource struct {
	mu       sync.Mutex
	repo     *repository.FindingRepository
	failures int
	calls    int
}

func (f *flakyFindingSource) ListByJob(ctx context.Context, jobID string) ([]domain.Finding, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("findings store unavailable")
	}
	return f.repo.ListByJob(ctx, jobID)
}

type testEnv struct {
	orch     *Orchestrator
	jobs     *repository.JobRepository
	findings *repository.FindingRepository
	reports  *repository.ReportRepository
	locks    *repository.SourceLockRepository
	store    *memStore
	flaky    *flakyFindingSource
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Format: "json", Output: io.Discard})
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		Workers:         1,
		PollInterval:    10 * time.Millisecond,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		Timeout:         5 * time.Second,
		LockLeaseMargin: time.Minute,
	}
}

func newTestEnv(t *testing.T, cfg config.JobsConfig) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.Finding{}, &domain.Report{}, &repository.SourceLock{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	jobs := repository.NewJobRepository(db)
	findings := repository.NewFindingRepository(db)
	reports := repository.NewReportRepository(db)
	locks := repository.NewSourceLockRepository(db)
	store := newMemStore()
	flaky := &flakyFindingSource{repo: findings}
	log := testLogger()

	cache := metrics.NewCache(metrics.NewEngine(), flaky, jobs, metrics.CacheConfig{
		ActiveTTL:   time.Minute,
		TerminalTTL: time.Hour,
	}, log)

	orch := NewOrchestrator(cfg, Deps{
		Jobs:      jobs,
		Findings:  findings,
		Reports:   reports,
		Locks:     locks,
		Store:     store,
		Validator: ingest.NewValidator(1 << 20),
		Parser:    ingest.NewParser(100, 5.0),
		Renderer:  report.NewRenderer(),
		Metrics:   cache,
		Log:       log,
	})
	return &testEnv{
		orch: orch, jobs: jobs, findings: findings, reports: reports,
		locks: locks, store: store, flaky: flaky,
	}
}

func submitSample(t *testing.T, env *testEnv, name string, reportTypes ...string) *domain.Job {
	t.Helper()
	j, err := env.orch.Submit(context.Background(), name, int64(len(sampleCSV)), strings.NewReader(sampleCSV), reportTypes)
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", name, err)
	}
	return j
}

func claimSample(t *testing.T, env *testEnv) *domain.Job {
	t.Helper()
	j, err := env.jobs.ClaimNextUploaded(context.Background())
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	return j
}

func getJob(t *testing.T, env *testEnv, id string) *domain.Job {
	t.Helper()
	j, err := env.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	return j
}

func leaseHeld(t *testing.T, env *testEnv, name string) bool {
	t.Helper()
	held, err := env.locks.Held(context.Background(), name)
	if err != nil {
		t.Fatalf("Held failed: %v", err)
	}
	return held
}

func TestSubmitRejectsConcurrentDuplicate(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	first := submitSample(t, env, "export.csv")
	if first.State != domain.JobStateUploaded {
		t.Fatalf("submitted job state = %s, want uploaded", first.State)
	}

	_, err := env.orch.Submit(context.Background(), "export.csv", int64(len(sampleCSV)), strings.NewReader(sampleCSV), nil)
	if !errors.Is(err, domain.ErrAlreadyProcessing) {
		t.Fatalf("duplicate submission error = %v, want ErrAlreadyProcessing", err)
	}

	// A different source file is unaffected.
	submitSample(t, env, "other.csv")
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	j := submitSample(t, env, "export.csv")

	env.store.mu.Lock()
	env.store.failDownloads = 1
	env.store.mu.Unlock()

	env.orch.Execute(context.Background(), claimSample(t, env))

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (kind=%s detail=%q), want completed", final.State, final.ErrorKind, final.ErrorDetail)
	}
	if final.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", final.AttemptCount)
	}
	if final.RowCount != 2 {
		t.Errorf("row count = %d, want 2", final.RowCount)
	}
	if leaseHeld(t, env, "export.csv") {
		t.Error("lease must be released after completion")
	}
}

func TestExecuteExhaustsAttemptsOnPersistentFailure(t *testing.T) {
	cfg := testJobsConfig()
	env := newTestEnv(t, cfg)
	j := submitSample(t, env, "export.csv")

	env.store.mu.Lock()
	env.store.failDownloads = cfg.MaxAttempts
	env.store.mu.Unlock()

	env.orch.Execute(context.Background(), claimSample(t, env))

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.ErrorKind != domain.FailureTransient {
		t.Errorf("kind = %s, want %s", final.ErrorKind, domain.FailureTransient)
	}
	if final.AttemptCount != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", final.AttemptCount, cfg.MaxAttempts)
	}
	if leaseHeld(t, env, "export.csv") {
		t.Error("lease must be released after a terminal failure")
	}
}

func TestExecuteRetriesAfterReportPhaseFailure(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	j := submitSample(t, env, "export.csv", "detailed")

	// First metrics load during report generation fails; the job is already
	// in generating when the retry re-runs the pipeline.
	env.flaky.mu.Lock()
	env.flaky.failures = 1
	env.flaky.mu.Unlock()

	env.orch.Execute(context.Background(), claimSample(t, env))

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (kind=%s detail=%q), want completed", final.State, final.ErrorKind, final.ErrorDetail)
	}
	if final.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2", final.AttemptCount)
	}

	reports, err := env.reports.ListByJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("ListByJob failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("report count = %d, want 1", len(reports))
	}
	if reports[0].Status != domain.ReportStatusCompleted {
		t.Errorf("report status = %s, want completed", reports[0].Status)
	}
	key := fmt.Sprintf("artifacts/%s/detailed.html", j.ID)
	if ok, _ := env.store.Exists(context.Background(), key); !ok {
		t.Errorf("styled artifact %s was not stored", key)
	}
}

func TestExecuteTimeoutIsTerminal(t *testing.T) {
	cfg := testJobsConfig()
	cfg.Timeout = 30 * time.Millisecond
	env := newTestEnv(t, cfg)
	j := submitSample(t, env, "export.csv")

	env.store.mu.Lock()
	env.store.blockDownload = true
	env.store.mu.Unlock()

	env.orch.Execute(context.Background(), claimSample(t, env))

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.ErrorKind != domain.FailureTimeout {
		t.Errorf("kind = %s, want %s", final.ErrorKind, domain.FailureTimeout)
	}
	if final.AttemptCount != 1 {
		t.Errorf("a timed-out job must not be retried, attempts = %d", final.AttemptCount)
	}
}

func TestCancelQueuedJobReleasesLease(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	j := submitSample(t, env, "export.csv")

	if err := env.orch.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateFailed || final.ErrorKind != domain.FailureCancelled {
		t.Fatalf("state/kind = %s/%s, want failed/cancelled", final.State, final.ErrorKind)
	}
	if leaseHeld(t, env, "export.csv") {
		t.Error("lease must be released when a queued job is cancelled")
	}

	// The source file is free for a fresh submission.
	submitSample(t, env, "export.csv")
}

func waitForCancelHandle(t *testing.T, env *testEnv, jobID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.orch.mu.Lock()
		_, running := env.orch.cancels[jobID]
		env.orch.mu.Unlock()
		if running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cancel handle never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelRunningJobStopsAttempt(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	j := submitSample(t, env, "export.csv")
	claimed := claimSample(t, env)

	env.store.mu.Lock()
	env.store.blockDownload = true
	env.store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		env.orch.Execute(context.Background(), claimed)
		close(done)
	}()

	waitForCancelHandle(t, env, j.ID)
	if err := env.orch.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	<-done

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateFailed || final.ErrorKind != domain.FailureCancelled {
		t.Fatalf("state/kind = %s/%s, want failed/cancelled", final.State, final.ErrorKind)
	}
	if final.AttemptCount != 1 {
		t.Errorf("a cancelled job must not be retried, attempts = %d", final.AttemptCount)
	}
	if leaseHeld(t, env, "export.csv") {
		t.Error("lease must be released after cancellation")
	}
}

func TestShutdownRequeuesInFlightJob(t *testing.T) {
	env := newTestEnv(t, testJobsConfig())
	j := submitSample(t, env, "export.csv")
	claimed := claimSample(t, env)

	env.store.mu.Lock()
	env.store.blockDownload = true
	env.store.mu.Unlock()

	poolCtx, stopPool := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.orch.Execute(poolCtx, claimed)
		close(done)
	}()

	waitForCancelHandle(t, env, j.ID)
	stopPool()
	<-done

	final := getJob(t, env, j.ID)
	if final.State != domain.JobStateUploaded {
		t.Fatalf("state = %s (kind=%s), want uploaded for re-claim", final.State, final.ErrorKind)
	}
	if final.AttemptCount != 0 {
		t.Errorf("the interrupted attempt must be given back, attempts = %d", final.AttemptCount)
	}
	if leaseHeld(t, env, "export.csv") {
		t.Error("lease must be released at shutdown")
	}

	// A fresh worker picks the job up again and finishes it.
	env.store.mu.Lock()
	env.store.blockDownload = false
	env.store.mu.Unlock()
	env.orch.Execute(context.Background(), claimSample(t, env))
	if final = getJob(t, env, j.ID); final.State != domain.JobStateCompleted {
		t.Fatalf("re-claimed job state = %s, want completed", final.State)
	}
}
