package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/clearlens/clearlens/internal/metrics"
)

func renderClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func snapshotFor(findings []domain.Finding) *domain.MetricsSnapshot {
	s := metrics.NewEngineAt(renderClock).Compute("job-1", findings)
	return &s
}

func sampleFindings() []domain.Finding {
	return []domain.Finding{
		mkFinding("a", domain.CategoryCost, domain.ImpactHigh, "1200", "Resize underused VM"),
		mkFinding("b", domain.CategoryCost, domain.ImpactLow, "300", "Delete unattached disk"),
		mkFinding("c", domain.CategorySecurity, domain.ImpactHigh, "0", "Enable MFA"),
	}
}

func TestRenderRequiredSections(t *testing.T) {
	r := NewRendererAt(renderClock)
	findings := sampleFindings()

	for _, reportType := range domain.ReportTypes {
		doc, err := r.Render(findings, snapshotFor(findings), reportType)
		if err != nil {
			t.Fatalf("Render(%s) failed: %v", reportType, err)
		}
		if doc.SectionByID(SectionSummary) == nil {
			t.Errorf("%s: summary section missing", reportType)
		}
		if doc.SectionByID(SectionFindings) == nil {
			t.Errorf("%s: findings section missing", reportType)
		}
		if doc.Title == "" {
			t.Errorf("%s: empty document title", reportType)
		}
	}
}

func TestRenderUnknownType(t *testing.T) {
	r := NewRendererAt(renderClock)
	if _, err := r.Render(nil, snapshotFor(nil), domain.ReportType("weekly")); err == nil {
		t.Fatal("expected error for unknown report type")
	}
}

func TestRenderSummaryCards(t *testing.T) {
	r := NewRendererAt(renderClock)
	findings := sampleFindings()

	doc, err := r.Render(findings, snapshotFor(findings), domain.ReportSecurity)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	summary := doc.SectionByID(SectionSummary)

	labels := make(map[string]string)
	for _, card := range summary.Cards {
		labels[card.Label] = card.Value
	}
	if labels["Findings"] != "1" {
		t.Errorf("Findings card = %q, want 1 (security view keeps one row)", labels["Findings"])
	}
	if labels["Total Potential Savings"] != "USD 1500.00" {
		t.Errorf("savings card = %q, want USD 1500.00", labels["Total Potential Savings"])
	}
	if _, ok := labels["Security Risk Score"]; !ok {
		t.Error("security view should surface its own score card")
	}
	if _, ok := labels["Composite Health Score"]; !ok {
		t.Error("composite score card missing")
	}
}

func TestRenderEmptyViewPlaceholder(t *testing.T) {
	r := NewRendererAt(renderClock)
	// No security findings at all: the section must carry an explicit
	// placeholder, never go missing.
	findings := []domain.Finding{
		mkFinding("a", domain.CategoryCost, domain.ImpactLow, "100", "Resize"),
	}

	doc, err := r.Render(findings, snapshotFor(findings), domain.ReportSecurity)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	section := doc.SectionByID(SectionFindings)
	if section == nil {
		t.Fatal("findings section missing from empty view")
	}
	if section.Table != nil {
		t.Error("empty view should have no findings table")
	}
	if len(section.Paragraphs) == 0 || !strings.Contains(section.Paragraphs[0], "No findings") {
		t.Errorf("placeholder paragraph missing, got %v", section.Paragraphs)
	}
}

func TestRenderDetailedGroupsByCategory(t *testing.T) {
	r := NewRendererAt(renderClock)
	findings := sampleFindings()

	doc, err := r.Render(findings, snapshotFor(findings), domain.ReportDetailed)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	table := doc.SectionByID(SectionFindings).Table
	if table == nil {
		t.Fatal("findings table missing")
	}
	if len(table.Groups) != 2 {
		t.Fatalf("group count = %d, want 2 (Cost, Security)", len(table.Groups))
	}
	if table.Groups[0].Label != "Cost" || table.Groups[1].Label != "Security" {
		t.Errorf("group labels = %q/%q", table.Groups[0].Label, table.Groups[1].Label)
	}
	if len(table.Groups[0].Rows) != 2 || len(table.Groups[1].Rows) != 1 {
		t.Errorf("group sizes = %d/%d, want 2/1", len(table.Groups[0].Rows), len(table.Groups[1].Rows))
	}
}

func TestRenderChunksUngroupedViews(t *testing.T) {
	r := NewRendererAt(renderClock)
	var findings []domain.Finding
	for i := 0; i < findingsGroupSize+3; i++ {
		findings = append(findings, mkFinding(
			string(rune('a'+i)), domain.CategorySecurity, domain.ImpactHigh, "0", "Enable MFA"))
	}

	doc, err := r.Render(findings, snapshotFor(findings), domain.ReportSecurity)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	table := doc.SectionByID(SectionFindings).Table
	if len(table.Groups) != 2 {
		t.Fatalf("group count = %d, want 2", len(table.Groups))
	}
	if len(table.Groups[0].Rows) != findingsGroupSize || len(table.Groups[1].Rows) != 3 {
		t.Errorf("group sizes = %d/%d, want %d/3",
			len(table.Groups[0].Rows), len(table.Groups[1].Rows), findingsGroupSize)
	}
}

func TestHTMLDeterminism(t *testing.T) {
	r := NewRendererAt(renderClock)
	findings := sampleFindings()
	snapshot := snapshotFor(findings)

	var outputs [][]byte
	for i := 0; i < 3; i++ {
		doc, err := r.Render(findings, snapshot, domain.ReportDetailed)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		html, err := r.HTML(doc)
		if err != nil {
			t.Fatalf("HTML failed: %v", err)
		}
		outputs = append(outputs, html)
	}
	if !bytes.Equal(outputs[0], outputs[1]) || !bytes.Equal(outputs[1], outputs[2]) {
		t.Error("identical input must render byte-identical HTML")
	}
	if !bytes.Contains(outputs[0], []byte("Detailed Findings Report")) {
		t.Error("rendered HTML missing document title")
	}
}
