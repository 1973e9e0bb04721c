package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/logger"
	gocache "github.com/patrickmn/go-cache"
)

// FindingSource loads the immutable finding set for a job. Satisfied by
// repository.FindingRepository.
type FindingSource interface {
	ListByJob(ctx context.Context, jobID string) ([]domain.Finding, error)
}

// JobSource loads job records, used only to decide TTL by terminality.
type JobSource interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
}

// CacheConfig holds the two-tier TTL policy: short while a job can still be
// reprocessed, long once its finding set is immutable.
type CacheConfig struct {
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
}

// Cache memoizes engine output keyed by (jobID, metricsVersion). It is
// advisory only: a miss or corrupted entry falls back to recomputation, and
// the system stays correct with caching disabled entirely.
type Cache struct {
	engine   *Engine
	findings FindingSource
	jobs     JobSource
	store    *gocache.Cache
	cfg      CacheConfig
	log      *logger.Logger
}

// NewCache wraps the engine with a TTL cache.
func NewCache(engine *Engine, findings FindingSource, jobs JobSource, cfg CacheConfig, log *logger.Logger) *Cache {
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = 5 * time.Minute
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = 6 * time.Hour
	}
	return &Cache{
		engine:   engine,
		findings: findings,
		jobs:     jobs,
		store:    gocache.New(cfg.ActiveTTL, 10*time.Minute),
		cfg:      cfg,
		log:      log,
	}
}

func cacheKey(jobID string) string {
	return fmt.Sprintf("%s:v%d", jobID, domain.MetricsVersion)
}

// Snapshot returns the metrics for a job, serving from cache when possible.
// Parameters:
//   - ctx: cancellation and deadline control.
//   - jobID: job whose findings are aggregated.
//   - forceRefresh: bypass the cache and recompute.
// Returns:
//   - *domain.MetricsSnapshot: current snapshot.
//   - error: non-nil if the finding set cannot be loaded.
func (c *Cache) Snapshot(ctx context.Context, jobID string, forceRefresh bool) (*domain.MetricsSnapshot, error) {
	key := cacheKey(jobID)

	if !forceRefresh {
		if entry, ok := c.store.Get(key); ok {
			if snapshot, ok := entry.(*domain.MetricsSnapshot); ok {
				return snapshot, nil
			}
			// Corrupted entry: drop it and recompute.
			c.store.Delete(key)
			c.log.WithField(logger.FieldJobID, jobID).Warn("dropping corrupted metrics cache entry")
		}
	}

	findings, err := c.findings.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings for metrics: %w", err)
	}

	snapshot := c.engine.Compute(jobID, findings)
	c.store.Set(key, &snapshot, c.ttlFor(ctx, jobID))
	return &snapshot, nil
}

// Invalidate clears all cached entries for a job. Coarse-grained by design;
// recomputation is cheap relative to I/O.
func (c *Cache) Invalidate(jobID string) {
	c.store.Delete(cacheKey(jobID))
}

// ttlFor chooses the TTL tier. Lookup failures fall back to the short TTL,
// never to an error: the cache must not affect correctness.
func (c *Cache) ttlFor(ctx context.Context, jobID string) time.Duration {
	if c.jobs == nil {
		return c.cfg.ActiveTTL
	}
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil || !job.State.Terminal() {
		return c.cfg.ActiveTTL
	}
	return c.cfg.TerminalTTL
}
