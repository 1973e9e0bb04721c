package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricsVersion identifies the aggregation algorithm revision. It is part
// of the cache key so stale snapshots never survive an engine change.
const MetricsVersion = 1

// CategoryStats aggregates findings of one category.
type CategoryStats struct {
	Category     Category        `json:"category"`
	Count        int             `json:"count"`
	TotalSavings decimal.Decimal `json:"total_savings"`
	// SavingsShare is this category's percentage of total potential savings,
	// rounded to two decimals with largest-remainder distribution so shares
	// sum to 100 when total savings is non-zero.
	SavingsShare float64 `json:"savings_share"`
}

// ImpactStats aggregates findings of one impact level.
type ImpactStats struct {
	Impact       ImpactLevel     `json:"impact"`
	Count        int             `json:"count"`
	TotalSavings decimal.Decimal `json:"total_savings"`
	SavingsShare float64         `json:"savings_share"`
}

// ROIFigures holds derived return-on-investment projections. They are only
// applicable when the relevant savings are positive; consumers must check
// Applicable before reading the other fields.
type ROIFigures struct {
	Applicable          bool            `json:"applicable"`
	PaybackMonths       float64         `json:"payback_months,omitempty"`
	ThreeYearProjection decimal.Decimal `json:"three_year_projection"`
}

// ScoreWeights maps impact levels onto penalty points subtracted from the
// baseline score per unresolved finding.
type ScoreWeights struct {
	High   float64
	Medium float64
	Low    float64
}

// Penalty returns the weight for the given impact level.
func (w ScoreWeights) Penalty(i ImpactLevel) float64 {
	switch i {
	case ImpactHigh:
		return w.High
	case ImpactMedium:
		return w.Medium
	case ImpactLow:
		return w.Low
	}
	return 0
}

// DefaultScoreWeights drive the general composite health score.
var DefaultScoreWeights = ScoreWeights{High: 3, Medium: 2, Low: 1}

// SecurityScoreWeights drive the security report's risk score. Kept
// independent from the composite weights; the two are not reconciled.
var SecurityScoreWeights = ScoreWeights{High: 5, Medium: 3, Low: 1}

// OperationsScoreWeights drive the operations report's health score.
var OperationsScoreWeights = ScoreWeights{High: 4, Medium: 2.5, Low: 1}

// MetricsSnapshot is the derived aggregate over a finished job's findings.
// It is a pure function of the finding set: recomputable byte-for-byte,
// independent of row order, never a source of truth for anything else.
type MetricsSnapshot struct {
	JobID         string          `json:"job_id"`
	Version       int             `json:"version"`
	FindingCount  int             `json:"finding_count"`
	TotalSavings  decimal.Decimal `json:"total_savings"`
	Currency      string          `json:"currency"`
	ByCategory    []CategoryStats `json:"by_category"`
	ByImpact      []ImpactStats   `json:"by_impact"`
	CompositeScore float64        `json:"composite_score"`
	ROI           ROIFigures      `json:"roi"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// CategoryStatsFor returns the stats bucket for c, or a zero bucket.
func (m *MetricsSnapshot) CategoryStatsFor(c Category) CategoryStats {
	for _, s := range m.ByCategory {
		if s.Category == c {
			return s
		}
	}
	return CategoryStats{Category: c, TotalSavings: decimal.Zero}
}
