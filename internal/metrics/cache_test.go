package metrics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/shopspring/decimal"
)

type fakeFindingSource struct {
	findings []domain.Finding
	calls    int
	err      error
}

func (f *fakeFindingSource) ListByJob(_ context.Context, _ string) ([]domain.Finding, error) {
	f.calls++
	return f.findings, f.err
}

type fakeJobSource struct {
	state domain.JobState
	err   error
}

func (f *fakeJobSource) GetByID(_ context.Context, id string) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Job{ID: id, State: f.state}, nil
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Format: "json", Output: io.Discard})
}

func newTestCache(findings *fakeFindingSource, jobs *fakeJobSource) *Cache {
	return NewCache(NewEngineAt(fixedClock), findings, jobs, CacheConfig{
		ActiveTTL:   time.Minute,
		TerminalTTL: time.Hour,
	}, testLogger())
}

func TestSnapshotCachesResult(t *testing.T) {
	source := &fakeFindingSource{findings: []domain.Finding{
		{ID: "f1", Category: domain.CategoryCost, Impact: domain.ImpactHigh, AnnualSavings: decimal.NewFromInt(100)},
	}}
	cache := newTestCache(source, &fakeJobSource{state: domain.JobStateCompleted})

	first, err := cache.Snapshot(context.Background(), "job-1", false)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	second, err := cache.Snapshot(context.Background(), "job-1", false)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if source.calls != 1 {
		t.Errorf("finding source called %d times, want 1 (second read served from cache)", source.calls)
	}
	if first != second {
		t.Error("cached read should return the same snapshot instance")
	}
}

func TestSnapshotForceRefreshRecomputes(t *testing.T) {
	source := &fakeFindingSource{}
	cache := newTestCache(source, &fakeJobSource{state: domain.JobStateCompleted})

	if _, err := cache.Snapshot(context.Background(), "job-1", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := cache.Snapshot(context.Background(), "job-1", true); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("finding source called %d times, want 2 with forceRefresh", source.calls)
	}
}

func TestSnapshotInvalidate(t *testing.T) {
	source := &fakeFindingSource{}
	cache := newTestCache(source, &fakeJobSource{state: domain.JobStateCompleted})

	if _, err := cache.Snapshot(context.Background(), "job-1", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	cache.Invalidate("job-1")
	if _, err := cache.Snapshot(context.Background(), "job-1", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("finding source called %d times, want 2 after invalidation", source.calls)
	}
}

func TestSnapshotLoadFailure(t *testing.T) {
	source := &fakeFindingSource{err: errors.New("db down")}
	cache := newTestCache(source, &fakeJobSource{state: domain.JobStateProcessing})

	if _, err := cache.Snapshot(context.Background(), "job-1", false); err == nil {
		t.Fatal("expected error when the finding set cannot be loaded")
	}
}

func TestTTLTiers(t *testing.T) {
	testCases := []struct {
		name string
		jobs *fakeJobSource
		want time.Duration
	}{
		{name: "terminal job gets long TTL", jobs: &fakeJobSource{state: domain.JobStateCompleted}, want: time.Hour},
		{name: "failed job gets long TTL", jobs: &fakeJobSource{state: domain.JobStateFailed}, want: time.Hour},
		{name: "active job gets short TTL", jobs: &fakeJobSource{state: domain.JobStateProcessing}, want: time.Minute},
		{name: "lookup failure falls back to short TTL", jobs: &fakeJobSource{err: errors.New("db down")}, want: time.Minute},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cache := newTestCache(&fakeFindingSource{}, tc.jobs)
			if got := cache.ttlFor(context.Background(), "job-1"); got != tc.want {
				t.Errorf("ttlFor = %v, want %v", got, tc.want)
			}
		})
	}
}
