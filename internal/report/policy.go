package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/shopspring/decimal"
)

// quickWinThreshold bounds the savings amount below which a cost finding is
// cheap enough to action immediately.
var quickWinThreshold = decimal.NewFromInt(500)

// executiveTopN caps the executive view at the highest-savings findings.
const executiveTopN = 10

// automationKeywords flag recommendations that can likely be scripted or
// remediated by policy rather than by hand.
var automationKeywords = []string{
	"enable",
	"configure",
	"autoscale",
	"auto-scale",
	"resize",
	"right-size",
	"rightsize",
	"schedule",
	"automate",
	"upgrade",
	"turn on",
}

// Row is one finding prepared for rendering, with the policy's computed
// fields attached as badges.
type Row struct {
	Finding domain.Finding
	Badges  []string
}

// ScoreCard is a policy-specific score surfaced next to the composite score.
type ScoreCard struct {
	Label string
	Value float64
}

// Policy is one report type's filter, sort and computed-field rules. The set
// of policies is closed: a new report type is a new policy, existing ones
// are untouched. No policy re-derives aggregate metrics; those arrive via
// the MetricsSnapshot.
type Policy interface {
	Type() domain.ReportType
	Title() string
	// Select filters and sorts the finding set and attaches computed
	// fields. The returned order is fully deterministic: policies break
	// every tie on stable finding attributes, never on input order.
	Select(findings []domain.Finding) []Row
	// Score returns the policy's own score, if it defines one.
	Score(rows []Row) (ScoreCard, bool)
}

// policies is the closed registry, keyed by report type.
var policies = map[domain.ReportType]Policy{
	domain.ReportDetailed:   detailedPolicy{},
	domain.ReportExecutive:  executivePolicy{},
	domain.ReportCost:       costPolicy{},
	domain.ReportSecurity:   securityPolicy{},
	domain.ReportOperations: operationsPolicy{},
}

// PolicyFor resolves the policy for a report type.
func PolicyFor(t domain.ReportType) (Policy, error) {
	p, ok := policies[t]
	if !ok {
		return nil, fmt.Errorf("no policy registered for report type %q", t)
	}
	return p, nil
}

// tieBreak orders two findings by stable attributes so repeated renders and
// row-order permutations of the input produce identical output.
func tieBreak(a, b domain.Finding) bool {
	if a.ResourceID != b.ResourceID {
		return a.ResourceID < b.ResourceID
	}
	if a.Recommendation != b.Recommendation {
		return a.Recommendation < b.Recommendation
	}
	return a.ID < b.ID
}

func bySavingsDesc(a, b domain.Finding) bool {
	if !a.AnnualSavings.Equal(b.AnnualSavings) {
		return a.AnnualSavings.GreaterThan(b.AnnualSavings)
	}
	return tieBreak(a, b)
}

func byImpactDesc(a, b domain.Finding) bool {
	if a.Impact.Rank() != b.Impact.Rank() {
		return a.Impact.Rank() < b.Impact.Rank()
	}
	return tieBreak(a, b)
}

// detailedPolicy renders every finding grouped by category, most impactful
// first within each category.
type detailedPolicy struct{}

func (detailedPolicy) Type() domain.ReportType { return domain.ReportDetailed }
func (detailedPolicy) Title() string           { return "Detailed Findings Report" }

func (detailedPolicy) Select(findings []domain.Finding) []Row {
	sorted := append([]domain.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Category != b.Category {
			return categoryRank(a.Category) < categoryRank(b.Category)
		}
		return byImpactDesc(a, b)
	})
	rows := make([]Row, len(sorted))
	for i, f := range sorted {
		rows[i] = Row{Finding: f}
	}
	return rows
}

func (detailedPolicy) Score(rows []Row) (ScoreCard, bool) {
	return ScoreCard{}, false
}

func categoryRank(c domain.Category) int {
	for i, known := range domain.Categories {
		if c == known {
			return i
		}
	}
	return len(domain.Categories)
}

// executivePolicy keeps the ten highest-savings findings and flags the
// strategic priorities among them.
type executivePolicy struct{}

func (executivePolicy) Type() domain.ReportType { return domain.ReportExecutive }
func (executivePolicy) Title() string           { return "Executive Summary Report" }

func (executivePolicy) Select(findings []domain.Finding) []Row {
	sorted := append([]domain.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool { return bySavingsDesc(sorted[i], sorted[j]) })
	if len(sorted) > executiveTopN {
		sorted = sorted[:executiveTopN]
	}
	rows := make([]Row, len(sorted))
	for i, f := range sorted {
		row := Row{Finding: f}
		if f.Impact == domain.ImpactHigh {
			row.Badges = append(row.Badges, "strategic priority")
		}
		rows[i] = row
	}
	return rows
}

func (executivePolicy) Score(rows []Row) (ScoreCard, bool) {
	return ScoreCard{}, false
}

// costPolicy keeps cost findings sorted by savings and buckets quick wins.
type costPolicy struct{}

func (costPolicy) Type() domain.ReportType { return domain.ReportCost }
func (costPolicy) Title() string           { return "Cost Optimization Report" }

func (costPolicy) Select(findings []domain.Finding) []Row {
	var filtered []domain.Finding
	for _, f := range findings {
		if f.Category == domain.CategoryCost {
			filtered = append(filtered, f)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return bySavingsDesc(filtered[i], filtered[j]) })

	rows := make([]Row, len(filtered))
	for i, f := range filtered {
		row := Row{Finding: f}
		if f.AnnualSavings.IsPositive() && f.AnnualSavings.LessThan(quickWinThreshold) {
			row.Badges = append(row.Badges, "quick win")
		}
		if f.AnnualSavings.IsPositive() {
			row.Badges = append(row.Badges, "payback "+paybackTimeline(f.AnnualSavings))
		}
		rows[i] = row
	}
	return rows
}

func (costPolicy) Score(rows []Row) (ScoreCard, bool) {
	return ScoreCard{}, false
}

// paybackTimeline classifies a finding's ROI horizon from its annual
// savings against the assumed remediation effort.
func paybackTimeline(annualSavings decimal.Decimal) string {
	monthly := annualSavings.Div(decimal.NewFromInt(12))
	months := decimal.NewFromInt(500).Div(monthly)
	switch {
	case months.LessThanOrEqual(decimal.NewFromInt(1)):
		return "within a month"
	case months.LessThanOrEqual(decimal.NewFromInt(6)):
		return "within 6 months"
	case months.LessThanOrEqual(decimal.NewFromInt(12)):
		return "within a year"
	}
	return "beyond a year"
}

// securityPolicy keeps security findings with a risk tier and remediation
// SLA bucket per finding, plus its own risk score.
type securityPolicy struct{}

func (securityPolicy) Type() domain.ReportType { return domain.ReportSecurity }
func (securityPolicy) Title() string           { return "Security Posture Report" }

func (securityPolicy) Select(findings []domain.Finding) []Row {
	var filtered []domain.Finding
	for _, f := range findings {
		if f.Category == domain.CategorySecurity {
			filtered = append(filtered, f)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return byImpactDesc(filtered[i], filtered[j]) })

	rows := make([]Row, len(filtered))
	for i, f := range filtered {
		rows[i] = Row{Finding: f, Badges: []string{
			"risk: " + riskTier(f.Impact),
			"remediate within " + remediationSLA(f.Impact),
		}}
	}
	return rows
}

func (securityPolicy) Score(rows []Row) (ScoreCard, bool) {
	findings := make([]domain.Finding, len(rows))
	for i, r := range rows {
		findings[i] = r.Finding
	}
	return ScoreCard{
		Label: "Security Risk Score",
		Value: metrics.Score(findings, domain.SecurityScoreWeights),
	}, true
}

func riskTier(i domain.ImpactLevel) string {
	switch i {
	case domain.ImpactHigh:
		return "critical"
	case domain.ImpactMedium:
		return "moderate"
	}
	return "low"
}

func remediationSLA(i domain.ImpactLevel) string {
	switch i {
	case domain.ImpactHigh:
		return "24 hours"
	case domain.ImpactMedium:
		return "1 week"
	}
	return "1 month"
}

// operationsPolicy covers the reliability, operational-excellence and
// performance pillars with an automation-opportunity flag and its own
// health score weighting.
type operationsPolicy struct{}

func (operationsPolicy) Type() domain.ReportType { return domain.ReportOperations }
func (operationsPolicy) Title() string           { return "Operations Health Report" }

func (operationsPolicy) Select(findings []domain.Finding) []Row {
	var filtered []domain.Finding
	for _, f := range findings {
		switch f.Category {
		case domain.CategoryReliability, domain.CategoryOperationalExcel, domain.CategoryPerformance:
			filtered = append(filtered, f)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return byImpactDesc(filtered[i], filtered[j]) })

	rows := make([]Row, len(filtered))
	for i, f := range filtered {
		row := Row{Finding: f}
		if isAutomationOpportunity(f.Recommendation) {
			row.Badges = append(row.Badges, "automation candidate")
		}
		rows[i] = row
	}
	return rows
}

func (operationsPolicy) Score(rows []Row) (ScoreCard, bool) {
	findings := make([]domain.Finding, len(rows))
	for i, r := range rows {
		findings[i] = r.Finding
	}
	return ScoreCard{
		Label: "Operational Health Score",
		Value: metrics.Score(findings, domain.OperationsScoreWeights),
	}, true
}

func isAutomationOpportunity(recommendation string) bool {
	lowered := strings.ToLower(recommendation)
	for _, keyword := range automationKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
