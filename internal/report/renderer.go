package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/shopspring/decimal"
)

// Section IDs the converter treats as required in every styled document.
const (
	SectionSummary  = "summary"
	SectionFindings = "findings"
)

// findingsGroupSize bounds ungrouped tables into row groups so the
// fixed-layout converter has keep-together units to paginate around.
const findingsGroupSize = 8

// StatCard is one summary statistic rendered as a card. A card is a
// keep-together unit: it never splits across a page boundary.
type StatCard struct {
	Label string
	Value string
	Hint  string
}

// RowGroup is a labeled run of table rows paginated as one unit when it
// fits a page.
type RowGroup struct {
	Label string
	Rows  [][]string
}

// Table is a styled table with grouped rows.
type Table struct {
	Columns []string
	Groups  []RowGroup
}

// Section is one logical block of a styled document.
type Section struct {
	ID         string
	Title      string
	Cards      []StatCard
	Paragraphs []string
	Table      *Table
}

// StyledDocument is the reflowable rendering of one report view. It is the
// renderer's contract with the fixed-layout converter: the converter reads
// this structure, never the HTML bytes.
type StyledDocument struct {
	Title       string
	ReportType  domain.ReportType
	JobID       string
	GeneratedAt time.Time
	Sections    []Section
}

// SectionByID returns the section with the given ID, or nil.
func (d *StyledDocument) SectionByID(id string) *Section {
	for i := range d.Sections {
		if d.Sections[i].ID == id {
			return &d.Sections[i]
		}
	}
	return nil
}

// Renderer maps a report type to its policy view and renders the result
// into a styled document. Rendering is deterministic: identical inputs
// produce byte-identical output modulo the GeneratedAt stamp, which comes
// from the injectable clock.
type Renderer struct {
	now func() time.Time
}

// NewRenderer creates a renderer with the wall clock.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// NewRendererAt creates a renderer with an explicit clock for tests.
func NewRendererAt(now func() time.Time) *Renderer {
	return &Renderer{now: now}
}

// Render builds the styled document for one report type.
// Parameters:
//   - findings: the job's complete finding set.
//   - snapshot: precomputed metrics; policies never re-derive them.
//   - reportType: which of the five views to render.
// Returns:
//   - *StyledDocument: structured document ready for HTML or PDF output.
//   - error: non-nil for an unknown report type.
func (r *Renderer) Render(findings []domain.Finding, snapshot *domain.MetricsSnapshot, reportType domain.ReportType) (*StyledDocument, error) {
	policy, err := PolicyFor(reportType)
	if err != nil {
		return nil, err
	}

	rows := policy.Select(findings)

	doc := &StyledDocument{
		Title:       policy.Title(),
		ReportType:  reportType,
		JobID:       snapshot.JobID,
		GeneratedAt: r.now().UTC(),
	}
	doc.Sections = append(doc.Sections, summarySection(policy, rows, snapshot))
	if breakdown := breakdownSection(snapshot); breakdown != nil {
		doc.Sections = append(doc.Sections, *breakdown)
	}
	doc.Sections = append(doc.Sections, findingsSection(reportType, rows))
	return doc, nil
}

func summarySection(policy Policy, rows []Row, snapshot *domain.MetricsSnapshot) Section {
	cards := []StatCard{
		{Label: "Findings", Value: fmt.Sprintf("%d", len(rows)), Hint: "in this view"},
		{Label: "Total Potential Savings", Value: formatMoney(snapshot.TotalSavings, snapshot.Currency), Hint: "annual, all findings"},
		{Label: "Composite Health Score", Value: fmt.Sprintf("%.1f / 100", snapshot.CompositeScore)},
	}
	if card, ok := policy.Score(rows); ok {
		cards = append(cards, StatCard{Label: card.Label, Value: fmt.Sprintf("%.1f / 100", card.Value)})
	}
	if snapshot.ROI.Applicable {
		cards = append(cards, StatCard{
			Label: "Estimated Payback",
			Value: fmt.Sprintf("%.1f months", snapshot.ROI.PaybackMonths),
			Hint:  "3-year projection " + formatMoney(snapshot.ROI.ThreeYearProjection, snapshot.Currency),
		})
	}
	return Section{
		ID:    SectionSummary,
		Title: "Summary",
		Cards: cards,
	}
}

func breakdownSection(snapshot *domain.MetricsSnapshot) *Section {
	if len(snapshot.ByCategory) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(snapshot.ByCategory))
	for _, stats := range snapshot.ByCategory {
		rows = append(rows, []string{
			string(stats.Category),
			fmt.Sprintf("%d", stats.Count),
			formatMoney(stats.TotalSavings, snapshot.Currency),
			fmt.Sprintf("%.2f%%", stats.SavingsShare),
		})
	}
	return &Section{
		ID:    "breakdown",
		Title: "Savings by Category",
		Table: &Table{
			Columns: []string{"Category", "Findings", "Potential Savings", "Share of Savings"},
			Groups:  []RowGroup{{Rows: rows}},
		},
	}
}

func findingsSection(reportType domain.ReportType, rows []Row) Section {
	section := Section{
		ID:    SectionFindings,
		Title: "Findings",
	}
	if len(rows) == 0 {
		// An explicit placeholder, never a silently missing section.
		section.Paragraphs = []string{"No findings to report for this view."}
		return section
	}

	columns := []string{"Impact", "Resource", "Subscription", "Recommendation", "Annual Savings", "Notes"}
	table := &Table{Columns: columns}

	if reportType == domain.ReportDetailed {
		table.Groups = groupByCategory(rows)
	} else {
		table.Groups = groupBySize(rows, findingsGroupSize)
	}
	section.Table = table
	return section
}

// groupByCategory emits one row group per category, in policy order.
func groupByCategory(rows []Row) []RowGroup {
	var groups []RowGroup
	var current *RowGroup
	for _, row := range rows {
		label := string(row.Finding.Category)
		if current == nil || current.Label != label {
			groups = append(groups, RowGroup{Label: label})
			current = &groups[len(groups)-1]
		}
		current.Rows = append(current.Rows, findingCells(row))
	}
	return groups
}

// groupBySize chunks rows into fixed-size unlabeled groups.
func groupBySize(rows []Row, size int) []RowGroup {
	var groups []RowGroup
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		group := RowGroup{}
		for _, row := range rows[start:end] {
			group.Rows = append(group.Rows, findingCells(row))
		}
		groups = append(groups, group)
	}
	return groups
}

func findingCells(row Row) []string {
	f := row.Finding
	resource := f.ResourceID
	if f.ResourceType != "" {
		resource = f.ResourceType + " " + resource
	}
	subscription := f.SubscriptionName
	if subscription == "" {
		subscription = f.SubscriptionID
	}
	notes := ""
	for i, badge := range row.Badges {
		if i > 0 {
			notes += "; "
		}
		notes += badge
	}
	return []string{
		string(f.Impact),
		resource,
		subscription,
		f.Recommendation,
		formatMoney(f.AnnualSavings, f.SavingsCurrency),
		notes,
	}
}

func formatMoney(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return currency + " " + amount.StringFixed(2)
}

// styledTemplate renders the document as a standalone HTML page. Iteration
// is over ordered slices only, so output bytes are stable.
var styledTemplate = template.Must(template.New("styled").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: "Segoe UI", Helvetica, Arial, sans-serif; margin: 2rem; color: #1a1a2e; }
h1 { border-bottom: 3px solid #0f3460; padding-bottom: .5rem; }
h2 { color: #0f3460; margin-top: 2rem; }
.meta { color: #666; font-size: .85rem; }
.cards { display: flex; flex-wrap: wrap; gap: 1rem; }
.card { border: 1px solid #d0d4dd; border-radius: 8px; padding: 1rem 1.25rem; min-width: 11rem; break-inside: avoid; }
.card .value { font-size: 1.4rem; font-weight: 600; }
.card .hint { color: #666; font-size: .8rem; }
table { border-collapse: collapse; width: 100%; margin-top: .75rem; }
th, td { border: 1px solid #d0d4dd; padding: .45rem .6rem; text-align: left; font-size: .85rem; vertical-align: top; }
th { background: #0f3460; color: #fff; }
tbody.group { break-inside: avoid; }
tr.group-label td { background: #e8ecf5; font-weight: 600; }
.placeholder { border: 1px dashed #b0b4bd; padding: 1rem; color: #555; font-style: italic; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Job {{.JobID}} &middot; generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>
{{range .Sections}}
<section id="{{.ID}}">
<h2>{{.Title}}</h2>
{{if .Cards}}<div class="cards">
{{range .Cards}}<div class="card"><div class="label">{{.Label}}</div><div class="value">{{.Value}}</div>{{if .Hint}}<div class="hint">{{.Hint}}</div>{{end}}</div>
{{end}}</div>{{end}}
{{range .Paragraphs}}<p class="placeholder">{{.}}</p>
{{end}}
{{if .Table}}<table>
<thead><tr>{{range .Table.Columns}}<th>{{.}}</th>{{end}}</tr></thead>
{{$cols := len .Table.Columns}}
{{range .Table.Groups}}<tbody class="group">
{{if .Label}}<tr class="group-label"><td colspan="{{$cols}}">{{.Label}}</td></tr>{{end}}
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
{{end}}</table>{{end}}
</section>
{{end}}
</body>
</html>
`))

// HTML renders the styled document to bytes.
func (r *Renderer) HTML(doc *StyledDocument) ([]byte, error) {
	var buf bytes.Buffer
	if err := styledTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render styled document: %w", err)
	}
	return buf.Bytes(), nil
}
