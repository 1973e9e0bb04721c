package report

import (
	"bytes"
	"fmt"

	"github.com/clearlens/clearlens/internal/domain"
	"github.com/jung-kurt/gofpdf"
)

// Page geometry in millimeters (A4 portrait).
const (
	pageMarginMM  = 15.0
	pageWidthMM   = 210.0
	pageHeightMM  = 297.0
	usableWidthMM = pageWidthMM - 2*pageMarginMM
	bottomLimitMM = pageHeightMM - pageMarginMM

	cardHeightMM   = 22.0
	cardWidthMM    = 58.0
	cardGapMM      = 3.0
	tableRowPadMM  = 1.6
	headingGuardMM = 14.0 // heading plus at least its first content line
)

// denseColumnThreshold triggers the reduced table font so wide tables keep
// their row count per page.
const denseColumnThreshold = 5

// Converter turns a styled document into a fixed-layout artifact. It is an
// interface so deployments can disable conversion; callers surface
// domain.ErrConverterUnavailable when no converter is wired.
type Converter interface {
	Convert(doc *StyledDocument) ([]byte, error)
}

// PDFConverter produces a paginated A4 PDF. Logical units — a stat card, a
// table row group, a heading with its first line — are never split across a
// page boundary when they fit on one page.
type PDFConverter struct{}

// NewPDFConverter creates a PDF converter.
func NewPDFConverter() *PDFConverter {
	return &PDFConverter{}
}

// Convert renders the document. A missing required section fails with
// domain.ErrIncompleteDocument; no partial artifact is emitted.
func (c *PDFConverter) Convert(doc *StyledDocument) ([]byte, error) {
	for _, required := range []string{SectionSummary, SectionFindings} {
		if doc.SectionByID(required) == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrIncompleteDocument, required)
		}
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMarginMM, pageMarginMM, pageMarginMM)
	pdf.SetAutoPageBreak(false, pageMarginMM)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(usableWidthMM, 10, doc.Title, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.SetTextColor(110, 110, 110)
	meta := fmt.Sprintf("Job %s - generated %s", doc.JobID, doc.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	pdf.CellFormat(usableWidthMM, 5, meta, "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(3)

	for _, section := range doc.Sections {
		c.renderSection(pdf, &section)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *PDFConverter) renderSection(pdf *gofpdf.Fpdf, section *Section) {
	// Keep the heading together with at least the first line below it.
	ensureRoom(pdf, headingGuardMM)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(usableWidthMM, 8, section.Title, "", 1, "L", false, 0, "")
	pdf.Ln(1)

	if len(section.Cards) > 0 {
		c.renderCards(pdf, section.Cards)
	}
	for _, paragraph := range section.Paragraphs {
		ensureRoom(pdf, 10)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.MultiCell(usableWidthMM, 5.5, paragraph, "1", "L", false)
		pdf.Ln(1)
	}
	if section.Table != nil {
		c.renderTable(pdf, section.Table)
	}
	pdf.Ln(4)
}

// renderCards lays stat cards in rows of three; each card is one unit.
func (c *PDFConverter) renderCards(pdf *gofpdf.Fpdf, cards []StatCard) {
	perRow := 3
	for i := 0; i < len(cards); i += perRow {
		end := i + perRow
		if end > len(cards) {
			end = len(cards)
		}
		ensureRoom(pdf, cardHeightMM+cardGapMM)
		top := pdf.GetY()
		x := pageMarginMM
		for _, card := range cards[i:end] {
			pdf.SetXY(x, top)
			pdf.SetDrawColor(190, 195, 210)
			pdf.Rect(x, top, cardWidthMM, cardHeightMM, "D")
			pdf.SetXY(x+3, top+3)
			pdf.SetFont("Helvetica", "", 8)
			pdf.CellFormat(cardWidthMM-6, 4, card.Label, "", 2, "L", false, 0, "")
			pdf.SetFont("Helvetica", "B", 12)
			pdf.CellFormat(cardWidthMM-6, 6, card.Value, "", 2, "L", false, 0, "")
			if card.Hint != "" {
				pdf.SetFont("Helvetica", "", 7)
				pdf.SetTextColor(110, 110, 110)
				pdf.CellFormat(cardWidthMM-6, 4, card.Hint, "", 2, "L", false, 0, "")
				pdf.SetTextColor(0, 0, 0)
			}
			x += cardWidthMM + cardGapMM
		}
		pdf.SetXY(pageMarginMM, top+cardHeightMM+cardGapMM)
	}
}

func (c *PDFConverter) renderTable(pdf *gofpdf.Fpdf, table *Table) {
	fontSize := 9.0
	if len(table.Columns) >= denseColumnThreshold {
		// Reduced font keeps the row count per page on dense tables.
		fontSize = 7.5
	}
	lineHeight := fontSize*0.42 + tableRowPadMM
	widths := columnWidths(table.Columns)

	writeHeader := func() {
		pdf.SetFont("Helvetica", "B", fontSize)
		pdf.SetFillColor(15, 52, 96)
		pdf.SetTextColor(255, 255, 255)
		for i, col := range table.Columns {
			pdf.CellFormat(widths[i], lineHeight+1, col, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "", fontSize)
	}

	writeHeader()
	for _, group := range table.Groups {
		groupHeight := c.groupHeight(pdf, table, &group, widths, fontSize, lineHeight)
		// Keep-together: move the whole group to the next page when it
		// fits a page but not the remaining space.
		if groupHeight <= bottomLimitMM-pageMarginMM-lineHeight && pdf.GetY()+groupHeight > bottomLimitMM {
			pdf.AddPage()
			writeHeader()
		}
		c.renderGroup(pdf, table, &group, widths, fontSize, lineHeight, writeHeader)
	}
}

// groupHeight measures a row group without emitting it.
func (c *PDFConverter) groupHeight(pdf *gofpdf.Fpdf, table *Table, group *RowGroup, widths []float64, fontSize, lineHeight float64) float64 {
	pdf.SetFont("Helvetica", "", fontSize)
	height := 0.0
	if group.Label != "" {
		height += lineHeight + 1
	}
	for _, row := range group.Rows {
		height += c.rowHeight(pdf, row, widths, lineHeight)
	}
	return height
}

func (c *PDFConverter) rowHeight(pdf *gofpdf.Fpdf, row []string, widths []float64, lineHeight float64) float64 {
	lines := 1
	for i, cell := range row {
		if i >= len(widths) {
			break
		}
		n := len(pdf.SplitText(cell, widths[i]-2))
		if n > lines {
			lines = n
		}
	}
	return float64(lines) * lineHeight
}

func (c *PDFConverter) renderGroup(pdf *gofpdf.Fpdf, table *Table, group *RowGroup, widths []float64, fontSize, lineHeight float64, writeHeader func()) {
	if group.Label != "" {
		pdf.SetFont("Helvetica", "B", fontSize)
		pdf.SetFillColor(232, 236, 245)
		pdf.CellFormat(usableWidthMM, lineHeight+1, group.Label, "1", 1, "L", true, 0, "")
		pdf.SetFont("Helvetica", "", fontSize)
	}
	for _, row := range group.Rows {
		height := c.rowHeight(pdf, row, widths, lineHeight)
		// An oversized group still breaks between rows; a single row is
		// the smallest indivisible unit.
		if pdf.GetY()+height > bottomLimitMM {
			pdf.AddPage()
			writeHeader()
		}
		c.renderRow(pdf, row, widths, height, lineHeight)
	}
}

func (c *PDFConverter) renderRow(pdf *gofpdf.Fpdf, row []string, widths []float64, height, lineHeight float64) {
	top := pdf.GetY()
	x := pageMarginMM
	for i := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		pdf.Rect(x, top, widths[i], height, "D")
		pdf.SetXY(x+1, top)
		pdf.MultiCell(widths[i]-2, lineHeight, cell, "", "L", false)
		x += widths[i]
	}
	pdf.SetXY(pageMarginMM, top+height)
}

// columnWidths distributes the usable width, biasing wide text columns.
func columnWidths(columns []string) []float64 {
	weights := make([]float64, len(columns))
	totalWeight := 0.0
	for i, col := range columns {
		w := 1.0
		switch col {
		case "Recommendation", "Notes", "Description":
			w = 2.2
		case "Resource", "Subscription":
			w = 1.5
		case "Impact":
			w = 0.7
		}
		weights[i] = w
		totalWeight += w
	}
	widths := make([]float64, len(columns))
	for i, w := range weights {
		widths[i] = usableWidthMM * w / totalWeight
	}
	return widths
}

func ensureRoom(pdf *gofpdf.Fpdf, needed float64) {
	if pdf.GetY()+needed > bottomLimitMM {
		pdf.AddPage()
	}
}
