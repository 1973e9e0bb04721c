package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies a finding by optimization pillar.
// The set is closed; unknown values are a parse error, never coerced.
type Category string

const (
	CategoryCost              Category = "Cost"
	CategorySecurity          Category = "Security"
	CategoryReliability       Category = "Reliability"
	CategoryOperationalExcel  Category = "OperationalExcellence"
	CategoryPerformance       Category = "Performance"
)

// Categories lists all valid categories in a stable order.
var Categories = []Category{
	CategoryCost,
	CategorySecurity,
	CategoryReliability,
	CategoryOperationalExcel,
	CategoryPerformance,
}

// ParseCategory maps a raw export value onto the closed category set.
// Parameters:
//   - raw: cell value from the export, whitespace and case tolerant.
// Returns:
//   - Category: matched category.
//   - error: non-nil if the value is not a known category.
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cost":
		return CategoryCost, nil
	case "security":
		return CategorySecurity, nil
	case "reliability", "highavailability", "high availability":
		return CategoryReliability, nil
	case "operationalexcellence", "operational excellence":
		return CategoryOperationalExcel, nil
	case "performance":
		return CategoryPerformance, nil
	}
	return "", fmt.Errorf("unknown category %q", raw)
}

// ImpactLevel classifies how impactful a finding is.
type ImpactLevel string

const (
	ImpactHigh   ImpactLevel = "High"
	ImpactMedium ImpactLevel = "Medium"
	ImpactLow    ImpactLevel = "Low"
)

// ImpactLevels lists all valid impact levels from most to least severe.
var ImpactLevels = []ImpactLevel{ImpactHigh, ImpactMedium, ImpactLow}

// ParseImpact maps a raw export value onto the closed impact set.
// Parameters:
//   - raw: cell value from the export, whitespace and case tolerant.
// Returns:
//   - ImpactLevel: matched impact level.
//   - error: non-nil if the value is not a known impact level.
func ParseImpact(raw string) (ImpactLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return ImpactHigh, nil
	case "medium", "med":
		return ImpactMedium, nil
	case "low":
		return ImpactLow, nil
	}
	return "", fmt.Errorf("unknown impact level %q", raw)
}

// Rank orders impact levels for sorting; High sorts first.
func (i ImpactLevel) Rank() int {
	switch i {
	case ImpactHigh:
		return 0
	case ImpactMedium:
		return 1
	case ImpactLow:
		return 2
	}
	return 3
}

// Finding is one normalized optimization finding row.
// Created once during parsing, immutable thereafter, owned by its Job and
// deleted with it.
type Finding struct {
	ID                 string          `gorm:"type:text;primaryKey" json:"id"`
	JobID              string          `gorm:"type:text;not null;index:idx_findings_job" json:"job_id"`
	Category           Category        `gorm:"type:text;not null;index:idx_findings_category" json:"category"`
	Impact             ImpactLevel     `gorm:"type:text;not null" json:"impact"`
	ResourceID         string          `gorm:"type:text" json:"resource_id"`
	ResourceType       string          `gorm:"type:text" json:"resource_type"`
	SubscriptionID     string          `gorm:"type:text" json:"subscription_id"`
	SubscriptionName   string          `gorm:"type:text" json:"subscription_name"`
	Recommendation     string          `gorm:"type:text;not null" json:"recommendation"`
	Description        string          `gorm:"type:text" json:"description"`
	AnnualSavings      decimal.Decimal `gorm:"type:numeric" json:"annual_savings"`
	SavingsCurrency    string          `gorm:"type:text;default:USD" json:"savings_currency"`
	RetirementDate     *time.Time      `json:"retirement_date,omitempty"`
	SourceRow          int             `json:"source_row"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TableName returns the database table name for Finding.
func (Finding) TableName() string {
	return "findings"
}
