package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/shopspring/decimal"
)

const parserHeader = "Category,Impact,Resource ID,Subscription ID,Recommendation,Potential Annual Savings,Currency,Retirement Date\n"

func mustPlan(t *testing.T, content string) *ParsePlan {
	t.Helper()
	plan, err := NewValidator(0).Validate(strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return plan
}

func collectChunks(collected *[]domain.Finding) ChunkFunc {
	return func(_ context.Context, findings []domain.Finding) error {
		*collected = append(*collected, findings...)
		return nil
	}
}

func TestParseHappyPath(t *testing.T) {
	content := parserHeader +
		"Cost,High,vm-1,sub-a,Resize underused VM,\"$1,200.50\",USD,\n" +
		"Security,Medium,kv-2,sub-a,Rotate keys,,,\n" +
		"Cost,Low,disk-3,sub-b,Delete unattached disk,300,EUR,2026-12-31\n"

	var got []domain.Finding
	p := NewParser(1000, 5.0)
	res, err := p.Parse(context.Background(), mustPlan(t, content), "job-1", collectChunks(&got))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if res.RowCount != 3 || res.ErrorRows != 0 {
		t.Fatalf("RowCount=%d ErrorRows=%d, want 3/0", res.RowCount, res.ErrorRows)
	}
	if len(got) != 3 {
		t.Fatalf("persisted %d findings, want 3", len(got))
	}

	first := got[0]
	if first.Category != domain.CategoryCost || first.Impact != domain.ImpactHigh {
		t.Errorf("first finding classified as %s/%s", first.Category, first.Impact)
	}
	if !first.AnnualSavings.Equal(decimal.RequireFromString("1200.50")) {
		t.Errorf("savings = %s, want 1200.50", first.AnnualSavings)
	}
	if first.SourceRow != 2 {
		t.Errorf("SourceRow = %d, want 2 (header is row 1)", first.SourceRow)
	}

	second := got[1]
	if !second.AnnualSavings.IsZero() || second.SavingsCurrency != "USD" {
		t.Errorf("empty savings should default to 0 USD, got %s %s", second.AnnualSavings, second.SavingsCurrency)
	}

	third := got[2]
	if third.SavingsCurrency != "EUR" {
		t.Errorf("currency = %s, want EUR", third.SavingsCurrency)
	}
	if third.RetirementDate == nil || third.RetirementDate.Format("2006-01-02") != "2026-12-31" {
		t.Errorf("retirement date not parsed: %v", third.RetirementDate)
	}
}

func TestParseChunking(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(parserHeader)
	for i := 0; i < 5; i++ {
		sb.WriteString("Cost,Low,vm,sub,Do something,10,USD,\n")
	}

	var sizes []int
	p := NewParser(2, 0)
	_, err := p.Parse(context.Background(), mustPlan(t, sb.String()), "job-1", func(_ context.Context, chunk []domain.Finding) error {
		sizes = append(sizes, len(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk sizes = %v, want %v", sizes, want)
		}
	}
}

func TestParseErrorTolerance(t *testing.T) {
	// 20 rows total; tolerance 5% permits exactly one bad row.
	buildContent := func(badRows int) string {
		var sb strings.Builder
		sb.WriteString(parserHeader)
		for i := 0; i < badRows; i++ {
			sb.WriteString("NotACategory,High,vm,sub,Fix it,10,USD,\n")
		}
		for i := badRows; i < 20; i++ {
			sb.WriteString("Cost,Low,vm,sub,Fix it,10,USD,\n")
		}
		return sb.String()
	}

	p := NewParser(1000, 5.0)

	// Exactly at the threshold still succeeds.
	res, err := p.Parse(context.Background(), mustPlan(t, buildContent(1)), "job-1", nil)
	if err != nil {
		t.Fatalf("file at exact tolerance should pass, got %v", err)
	}
	if res.RowCount != 20 || res.ErrorRows != 1 {
		t.Errorf("RowCount=%d ErrorRows=%d, want 20/1", res.RowCount, res.ErrorRows)
	}

	// One past the threshold fails with the row sample attached.
	res, err = p.Parse(context.Background(), mustPlan(t, buildContent(2)), "job-1", nil)
	var exceeded *domain.RowErrorsExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected RowErrorsExceeded, got %v", err)
	}
	if exceeded.ErrorRows != 2 || exceeded.TotalRows != 20 {
		t.Errorf("exceeded = %d/%d, want 2/20", exceeded.ErrorRows, exceeded.TotalRows)
	}
	if len(exceeded.Sample) != 2 {
		t.Errorf("sample size = %d, want 2", len(exceeded.Sample))
	}
	if res.ErrorRows != 2 {
		t.Errorf("result ErrorRows = %d, want 2", res.ErrorRows)
	}
}

func TestParseRowErrors(t *testing.T) {
	testCases := []struct {
		name  string
		row   string
		field string
	}{
		{name: "unknown category", row: "Networking,High,vm,sub,Fix,10,USD,", field: ColCategory},
		{name: "unknown impact", row: "Cost,Severe,vm,sub,Fix,10,USD,", field: ColImpact},
		{name: "empty recommendation", row: "Cost,High,vm,sub,,10,USD,", field: ColRecommendation},
		{name: "negative savings", row: "Cost,High,vm,sub,Fix,-50,USD,", field: ColSavings},
		{name: "malformed savings", row: "Cost,High,vm,sub,Fix,abc,USD,", field: ColSavings},
		{name: "malformed retirement date", row: "Cost,High,vm,sub,Fix,10,USD,someday", field: ColRetirement},
	}

	p := NewParser(1000, 100)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			content := parserHeader + tc.row + "\n"
			res, err := p.Parse(context.Background(), mustPlan(t, content), "job-1", nil)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if res.ErrorRows != 1 || len(res.RowErrors) != 1 {
				t.Fatalf("ErrorRows=%d RowErrors=%v, want exactly one", res.ErrorRows, res.RowErrors)
			}
			if res.RowErrors[0].Field != tc.field {
				t.Errorf("field = %s, want %s", res.RowErrors[0].Field, tc.field)
			}
		})
	}
}

func TestParseSkipsBlankRows(t *testing.T) {
	content := parserHeader +
		"Cost,High,vm,sub,Fix,10,USD,\n" +
		",,,,,,,\n" +
		"\n" +
		"Cost,Low,vm2,sub,Fix more,20,USD,\n"

	p := NewParser(1000, 0)
	res, err := p.Parse(context.Background(), mustPlan(t, content), "job-1", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.RowCount != 2 || res.ErrorRows != 0 {
		t.Errorf("RowCount=%d ErrorRows=%d, want 2/0", res.RowCount, res.ErrorRows)
	}
}

func TestParseCancellation(t *testing.T) {
	content := parserHeader +
		"Cost,High,vm,sub,Fix,10,USD,\n" +
		"Cost,Low,vm2,sub,Fix more,20,USD,\n"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewParser(1, 0)
	_, err := p.Parse(ctx, mustPlan(t, content), "job-1", collectChunks(&[]domain.Finding{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRowErrorSampleIsBounded(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(parserHeader)
	for i := 0; i < maxRowErrorSample+5; i++ {
		sb.WriteString("Bad,High,vm,sub,Fix,10,USD,\n")
	}

	p := NewParser(1000, 100)
	res, err := p.Parse(context.Background(), mustPlan(t, sb.String()), "job-1", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.ErrorRows != maxRowErrorSample+5 {
		t.Errorf("ErrorRows = %d, want %d", res.ErrorRows, maxRowErrorSample+5)
	}
	if len(res.RowErrors) != maxRowErrorSample {
		t.Errorf("sample size = %d, want %d", len(res.RowErrors), maxRowErrorSample)
	}
}
