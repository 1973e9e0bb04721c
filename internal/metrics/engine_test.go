package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/shopspring/decimal"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func finding(category domain.Category, impact domain.ImpactLevel, savings string, currency string) domain.Finding {
	return domain.Finding{
		ID:              string(category) + "-" + savings,
		JobID:           "job-1",
		Category:        category,
		Impact:          impact,
		AnnualSavings:   decimal.RequireFromString(savings),
		SavingsCurrency: currency,
	}
}

func TestComputeAggregation(t *testing.T) {
	findings := []domain.Finding{
		finding(domain.CategoryCost, domain.ImpactHigh, "1000", "USD"),
		finding(domain.CategorySecurity, domain.ImpactMedium, "0", "USD"),
		finding(domain.CategoryCost, domain.ImpactLow, "500", "USD"),
	}

	snapshot := NewEngineAt(fixedClock).Compute("job-1", findings)

	if snapshot.FindingCount != 3 {
		t.Errorf("FindingCount = %d, want 3", snapshot.FindingCount)
	}
	if !snapshot.TotalSavings.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("TotalSavings = %s, want 1500", snapshot.TotalSavings)
	}
	if snapshot.Version != domain.MetricsVersion {
		t.Errorf("Version = %d, want %d", snapshot.Version, domain.MetricsVersion)
	}

	cost := snapshot.CategoryStatsFor(domain.CategoryCost)
	if cost.Count != 2 || !cost.TotalSavings.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("cost stats = %d/%s, want 2/1500", cost.Count, cost.TotalSavings)
	}
	if cost.SavingsShare != 100.0 {
		t.Errorf("cost share = %.2f, want 100.00", cost.SavingsShare)
	}

	security := snapshot.CategoryStatsFor(domain.CategorySecurity)
	if security.Count != 1 || !security.TotalSavings.IsZero() {
		t.Errorf("security stats = %d/%s, want 1/0", security.Count, security.TotalSavings)
	}
	if security.SavingsShare != 0 {
		t.Errorf("security share = %.2f, want 0", security.SavingsShare)
	}

	// 100 - (high 3 + medium 2 + low 1)
	if snapshot.CompositeScore != 94.0 {
		t.Errorf("CompositeScore = %.1f, want 94.0", snapshot.CompositeScore)
	}

	// Implementation cost 3*500 = 1500 against 125/month.
	if !snapshot.ROI.Applicable {
		t.Fatal("ROI should be applicable with positive savings")
	}
	if snapshot.ROI.PaybackMonths != 12.0 {
		t.Errorf("PaybackMonths = %.1f, want 12.0", snapshot.ROI.PaybackMonths)
	}
	if !snapshot.ROI.ThreeYearProjection.Equal(decimal.NewFromInt(4500)) {
		t.Errorf("ThreeYearProjection = %s, want 4500", snapshot.ROI.ThreeYearProjection)
	}
}

func TestComputeOrderIndependence(t *testing.T) {
	base := []domain.Finding{
		finding(domain.CategoryCost, domain.ImpactHigh, "1000", "USD"),
		finding(domain.CategorySecurity, domain.ImpactMedium, "200", "EUR"),
		finding(domain.CategoryReliability, domain.ImpactLow, "300", "USD"),
		finding(domain.CategoryCost, domain.ImpactLow, "500", "EUR"),
	}
	permutations := [][]domain.Finding{
		{base[0], base[1], base[2], base[3]},
		{base[3], base[2], base[1], base[0]},
		{base[1], base[3], base[0], base[2]},
	}

	engine := NewEngineAt(fixedClock)
	reference := engine.Compute("job-1", permutations[0])
	for i, perm := range permutations[1:] {
		snapshot := engine.Compute("job-1", perm)
		if snapshot.Currency != reference.Currency {
			t.Errorf("permutation %d: currency %s != %s", i+1, snapshot.Currency, reference.Currency)
		}
		if !snapshot.TotalSavings.Equal(reference.TotalSavings) {
			t.Errorf("permutation %d: total %s != %s", i+1, snapshot.TotalSavings, reference.TotalSavings)
		}
		if len(snapshot.ByCategory) != len(reference.ByCategory) {
			t.Fatalf("permutation %d: category bucket count differs", i+1)
		}
		for j := range snapshot.ByCategory {
			got, want := snapshot.ByCategory[j], reference.ByCategory[j]
			if got.Category != want.Category || got.Count != want.Count ||
				!got.TotalSavings.Equal(want.TotalSavings) || got.SavingsShare != want.SavingsShare {
				t.Errorf("permutation %d: bucket %d %+v != %+v", i+1, j, got, want)
			}
		}
		if snapshot.CompositeScore != reference.CompositeScore {
			t.Errorf("permutation %d: score %.2f != %.2f", i+1, snapshot.CompositeScore, reference.CompositeScore)
		}
	}
}

func TestSavingsSharesSumToHundred(t *testing.T) {
	// Three equal thirds cannot each round to a clean two-decimal share; the
	// largest-remainder distribution must still close the sum at 100.00.
	findings := []domain.Finding{
		finding(domain.CategoryCost, domain.ImpactLow, "100", "USD"),
		finding(domain.CategorySecurity, domain.ImpactLow, "100", "USD"),
		finding(domain.CategoryReliability, domain.ImpactLow, "100", "USD"),
	}

	snapshot := NewEngineAt(fixedClock).Compute("job-1", findings)

	sum := 0.0
	for _, stats := range snapshot.ByCategory {
		sum += stats.SavingsShare
	}
	if math.Abs(sum-100.0) > 0.001 {
		t.Errorf("shares sum to %.4f, want 100.00", sum)
	}
}

func TestScoreClamping(t *testing.T) {
	if got := Score(nil, domain.DefaultScoreWeights); got != 100.0 {
		t.Errorf("empty set score = %.1f, want 100.0", got)
	}

	many := make([]domain.Finding, 50)
	for i := range many {
		many[i] = finding(domain.CategorySecurity, domain.ImpactHigh, "10", "USD")
	}
	if got := Score(many, domain.DefaultScoreWeights); got != 0.0 {
		t.Errorf("overloaded score = %.1f, want clamp at 0.0", got)
	}
}

func TestROINotApplicableOnZeroSavings(t *testing.T) {
	findings := []domain.Finding{
		finding(domain.CategorySecurity, domain.ImpactHigh, "0", "USD"),
	}
	snapshot := NewEngineAt(fixedClock).Compute("job-1", findings)
	if snapshot.ROI.Applicable {
		t.Error("ROI must not be applicable when total savings is zero")
	}
	if snapshot.ROI.PaybackMonths != 0 {
		t.Errorf("PaybackMonths = %.1f, want 0", snapshot.ROI.PaybackMonths)
	}
}

func TestDominantCurrency(t *testing.T) {
	testCases := []struct {
		name  string
		votes map[string]int
		want  string
	}{
		{name: "no votes defaults to USD", votes: map[string]int{}, want: "USD"},
		{name: "clear majority", votes: map[string]int{"EUR": 3, "USD": 1}, want: "EUR"},
		{name: "tie breaks lexicographically", votes: map[string]int{"EUR": 2, "GBP": 2}, want: "EUR"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := dominantCurrency(tc.votes); got != tc.want {
				t.Errorf("dominantCurrency = %s, want %s", got, tc.want)
			}
		})
	}
}
