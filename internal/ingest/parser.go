package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxRowErrorSample bounds the offending-row sample attached to an
// excessive-row-errors failure.
const maxRowErrorSample = 10

// retirementDateLayouts are tried in order when parsing the optional
// retirement date column.
var retirementDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	time.RFC3339,
}

// ChunkFunc receives each parsed chunk in file order. Returning an error
// aborts the parse; the orchestrator uses it to persist chunks and to stop
// on datastore failures.
type ChunkFunc func(ctx context.Context, findings []domain.Finding) error

// Result summarizes a completed parse.
type Result struct {
	RowCount   int
	ErrorRows  int
	RowErrors  []domain.RowError // bounded sample
	Duration   time.Duration
}

// Parser streams data rows into normalized findings in fixed-size chunks so
// peak memory stays bounded regardless of file size. Parsing within one job
// is single-threaded; chunks arrive in file order.
type Parser struct {
	ChunkSize         int
	ErrorTolerancePct float64
}

// NewParser creates a parser with the given chunking and tolerance settings.
func NewParser(chunkSize int, errorTolerancePct float64) *Parser {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Parser{ChunkSize: chunkSize, ErrorTolerancePct: errorTolerancePct}
}

// Parse streams the plan's data rows, validating each field, skipping
// malformed rows up to the tolerance threshold and emitting chunks via fn.
// Cancellation is cooperative: the context is checked at chunk boundaries.
// Parameters:
//   - ctx: cancellation and deadline control.
//   - plan: accepted parse plan from the validator.
//   - jobID: owner of the created findings.
//   - fn: chunk sink; may be nil to only count rows.
// Returns:
//   - *Result: row/error totals and a bounded error sample.
//   - error: *domain.RowErrorsExceeded, context error, or wrapped fn failure.
func (p *Parser) Parse(ctx context.Context, plan *ParsePlan, jobID string, fn ChunkFunc) (*Result, error) {
	start := time.Now()

	cr := csv.NewReader(plan.Reader())
	cr.Comma = plan.Delimiter
	cr.FieldsPerRecord = -1 // ragged rows are a row error, not a file error
	cr.LazyQuotes = true

	result := &Result{}
	chunk := make([]domain.Finding, 0, p.ChunkSize)
	line := 1 // header was row 1

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, chunk); err != nil {
				return fmt.Errorf("chunk sink failed at row %d: %w", line, err)
			}
		}
		chunk = chunk[:0]
		return nil
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.RowCount++
			p.recordRowError(result, domain.RowError{Line: line, Field: "", Reason: err.Error()})
			continue
		}
		if isBlankRecord(record) {
			continue
		}

		result.RowCount++
		finding, rowErr := buildFinding(plan, record, jobID, line)
		if rowErr != nil {
			p.recordRowError(result, *rowErr)
			continue
		}
		chunk = append(chunk, *finding)

		if len(chunk) >= p.ChunkSize {
			if err := flush(); err != nil {
				result.Duration = time.Since(start)
				return result, err
			}
		}
	}

	if err := flush(); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	result.Duration = time.Since(start)

	if p.exceedsTolerance(result.ErrorRows, result.RowCount) {
		return result, &domain.RowErrorsExceeded{
			TotalRows: result.RowCount,
			ErrorRows: result.ErrorRows,
			Tolerance: p.ErrorTolerancePct,
			Sample:    result.RowErrors,
		}
	}
	return result, nil
}

func (p *Parser) recordRowError(result *Result, rowErr domain.RowError) {
	result.ErrorRows++
	if len(result.RowErrors) < maxRowErrorSample {
		result.RowErrors = append(result.RowErrors, rowErr)
	}
}

// exceedsTolerance fails strictly above the threshold: a file at exactly the
// tolerated percentage still succeeds.
func (p *Parser) exceedsTolerance(errorRows, totalRows int) bool {
	if errorRows == 0 || totalRows == 0 {
		return false
	}
	return float64(errorRows)*100 > p.ErrorTolerancePct*float64(totalRows)
}

// buildFinding validates one record's fields against the resolved schema.
func buildFinding(plan *ParsePlan, record []string, jobID string, line int) (*domain.Finding, *domain.RowError) {
	cell := func(canonical string) string {
		idx := plan.Index(canonical)
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	for i, raw := range record {
		if !utf8.ValidString(raw) {
			return nil, &domain.RowError{Line: line, Field: fmt.Sprintf("column %d", i), Reason: "invalid UTF-8"}
		}
	}

	category, err := domain.ParseCategory(cell(ColCategory))
	if err != nil {
		return nil, &domain.RowError{Line: line, Field: ColCategory, Reason: err.Error()}
	}
	impact, err := domain.ParseImpact(cell(ColImpact))
	if err != nil {
		return nil, &domain.RowError{Line: line, Field: ColImpact, Reason: err.Error()}
	}
	recommendation := cell(ColRecommendation)
	if recommendation == "" {
		return nil, &domain.RowError{Line: line, Field: ColRecommendation, Reason: "recommendation text is empty"}
	}

	savings, currency, err := parseSavings(cell(ColSavings), cell(ColCurrency))
	if err != nil {
		return nil, &domain.RowError{Line: line, Field: ColSavings, Reason: err.Error()}
	}

	var retirement *time.Time
	if raw := cell(ColRetirement); raw != "" {
		t, err := parseRetirementDate(raw)
		if err != nil {
			return nil, &domain.RowError{Line: line, Field: ColRetirement, Reason: err.Error()}
		}
		retirement = &t
	}

	return &domain.Finding{
		ID:               uuid.New().String(),
		JobID:            jobID,
		Category:         category,
		Impact:           impact,
		ResourceID:       cell(ColResourceID),
		ResourceType:     cell(ColResourceType),
		SubscriptionID:   cell(ColSubscriptionID),
		SubscriptionName: cell(ColSubscription),
		Recommendation:   recommendation,
		Description:      cell(ColDescription),
		AnnualSavings:    savings,
		SavingsCurrency:  currency,
		RetirementDate:   retirement,
		SourceRow:        line,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// parseSavings normalizes the savings cell: currency symbols and thousands
// separators are tolerated, negatives are not. An empty cell means zero.
func parseSavings(raw, currencyCell string) (decimal.Decimal, string, error) {
	currency := strings.ToUpper(strings.TrimSpace(currencyCell))
	if currency == "" {
		currency = "USD"
	}
	if raw == "" || strings.EqualFold(raw, "n/a") {
		return decimal.Zero, currency, nil
	}

	cleaned := strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(raw)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("malformed savings amount %q", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, "", fmt.Errorf("savings amount %q is negative", raw)
	}
	return d, currency, nil
}

func parseRetirementDate(raw string) (time.Time, error) {
	for _, layout := range retirementDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("malformed retirement date %q", raw)
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
