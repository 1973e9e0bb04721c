package metrics

import (
	"sort"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/shopspring/decimal"
)

// assumedRemediationCost is the per-finding one-time implementation cost used
// for payback projections when the export carries no effort data.
var assumedRemediationCost = decimal.NewFromInt(500)

// Engine computes aggregate statistics over a job's finding set. Compute is
// a pure function: no hidden state, identical output for identical input
// regardless of row ordering. Caching lives in a separate decorator.
type Engine struct {
	Weights domain.ScoreWeights
	// now is injectable for deterministic tests; only the ComputedAt stamp
	// depends on it.
	now func() time.Time
}

// NewEngine creates an engine using the general composite score weights.
func NewEngine() *Engine {
	return &Engine{Weights: domain.DefaultScoreWeights, now: time.Now}
}

// NewEngineAt creates an engine with an explicit clock.
func NewEngineAt(now func() time.Time) *Engine {
	return &Engine{Weights: domain.DefaultScoreWeights, now: now}
}

// Compute derives the metrics snapshot for a finding set.
// Parameters:
//   - jobID: owner of the findings.
//   - findings: complete, immutable finding set of the job.
// Returns:
//   - domain.MetricsSnapshot: counts, sums, shares, composite score and ROI.
func (e *Engine) Compute(jobID string, findings []domain.Finding) domain.MetricsSnapshot {
	total := decimal.Zero

	catCount := make(map[domain.Category]int)
	catSum := make(map[domain.Category]decimal.Decimal)
	impCount := make(map[domain.ImpactLevel]int)
	impSum := make(map[domain.ImpactLevel]decimal.Decimal)
	currencyVotes := make(map[string]int)

	for _, f := range findings {
		total = total.Add(f.AnnualSavings)
		catCount[f.Category]++
		catSum[f.Category] = catSum[f.Category].Add(f.AnnualSavings)
		impCount[f.Impact]++
		impSum[f.Impact] = impSum[f.Impact].Add(f.AnnualSavings)
		if f.SavingsCurrency != "" {
			currencyVotes[f.SavingsCurrency]++
		}
	}
	currency := dominantCurrency(currencyVotes)

	byCategory := make([]domain.CategoryStats, 0, len(domain.Categories))
	catSums := make([]decimal.Decimal, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		if catCount[c] == 0 {
			continue
		}
		byCategory = append(byCategory, domain.CategoryStats{
			Category:     c,
			Count:        catCount[c],
			TotalSavings: catSum[c],
		})
		catSums = append(catSums, catSum[c])
	}
	for i, share := range savingsShares(catSums, total) {
		byCategory[i].SavingsShare = share
	}

	byImpact := make([]domain.ImpactStats, 0, len(domain.ImpactLevels))
	impSums := make([]decimal.Decimal, 0, len(domain.ImpactLevels))
	for _, lvl := range domain.ImpactLevels {
		if impCount[lvl] == 0 {
			continue
		}
		byImpact = append(byImpact, domain.ImpactStats{
			Impact:       lvl,
			Count:        impCount[lvl],
			TotalSavings: impSum[lvl],
		})
		impSums = append(impSums, impSum[lvl])
	}
	for i, share := range savingsShares(impSums, total) {
		byImpact[i].SavingsShare = share
	}

	return domain.MetricsSnapshot{
		JobID:          jobID,
		Version:        domain.MetricsVersion,
		FindingCount:   len(findings),
		TotalSavings:   total,
		Currency:       currency,
		ByCategory:     byCategory,
		ByImpact:       byImpact,
		CompositeScore: Score(findings, e.Weights),
		ROI:            computeROI(len(findings), total),
		ComputedAt:     e.now().UTC(),
	}
}

// Score computes a 0-100 health score: baseline 100 minus a weighted penalty
// per unresolved finding, clamped. Exported so report policies can apply
// their own weight tables without re-deriving aggregation.
func Score(findings []domain.Finding, weights domain.ScoreWeights) float64 {
	score := 100.0
	for _, f := range findings {
		score -= weights.Penalty(f.Impact)
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// savingsShares converts per-bucket sums into percentage shares of total
// rounded to two decimals. Rounding residue is distributed largest remainder
// first so the shares sum to exactly 100.00 whenever total is positive.
func savingsShares(sums []decimal.Decimal, total decimal.Decimal) []float64 {
	shares := make([]float64, len(sums))
	if len(sums) == 0 || !total.IsPositive() {
		return shares
	}

	// Work in basis points (two decimal places of a percent).
	type remainder struct {
		index int
		frac  decimal.Decimal
	}
	floorBps := make([]int64, len(sums))
	remainders := make([]remainder, len(sums))
	assigned := int64(0)
	for i, sum := range sums {
		exact := sum.Mul(decimal.NewFromInt(10000)).Div(total)
		floor := exact.Floor()
		floorBps[i] = floor.IntPart()
		assigned += floorBps[i]
		remainders[i] = remainder{index: i, frac: exact.Sub(floor)}
	}

	leftover := int64(10000) - assigned
	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].frac.GreaterThan(remainders[b].frac)
	})
	for i := int64(0); i < leftover && int(i) < len(remainders); i++ {
		floorBps[remainders[i].index]++
	}

	for i, bps := range floorBps {
		shares[i] = float64(bps) / 100
	}
	return shares
}

// dominantCurrency picks the most common currency tag, breaking ties
// lexicographically so the result is independent of row order.
func dominantCurrency(votes map[string]int) string {
	best := "USD"
	bestVotes := 0
	for currency, n := range votes {
		if n > bestVotes || (n == bestVotes && bestVotes > 0 && currency < best) {
			best = currency
			bestVotes = n
		}
	}
	return best
}

// computeROI derives payback and projection figures. Division by zero
// short-circuits to not-applicable rather than raising.
func computeROI(findingCount int, totalAnnualSavings decimal.Decimal) domain.ROIFigures {
	roi := domain.ROIFigures{ThreeYearProjection: decimal.Zero}
	if !totalAnnualSavings.IsPositive() {
		return roi
	}

	implementationCost := assumedRemediationCost.Mul(decimal.NewFromInt(int64(findingCount)))
	monthlySavings := totalAnnualSavings.Div(decimal.NewFromInt(12))

	roi.Applicable = true
	roi.PaybackMonths, _ = implementationCost.Div(monthlySavings).Round(1).Float64()
	roi.ThreeYearProjection = totalAnnualSavings.Mul(decimal.NewFromInt(3))
	return roi
}
