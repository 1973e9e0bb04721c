package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/clearlens/clearlens/internal/domain"
)

// Canonical column names of the internal schema. Export variants are mapped
// onto these via the alias table, resolved once at validation time.
const (
	ColCategory       = "category"
	ColImpact         = "impact"
	ColResourceID     = "resource_id"
	ColResourceType   = "resource_type"
	ColSubscriptionID = "subscription_id"
	ColSubscription   = "subscription_name"
	ColRecommendation = "recommendation"
	ColDescription    = "description"
	ColSavings        = "annual_savings"
	ColCurrency       = "savings_currency"
	ColRetirement     = "retirement_date"
)

// requiredColumns must all resolve from the header or the file is rejected.
var requiredColumns = []string{
	ColCategory,
	ColImpact,
	ColResourceID,
	ColRecommendation,
	ColSubscriptionID,
}

// columnAliases maps normalized header cells onto canonical columns. Real
// exports disagree on naming; new variants are added here, not in the parser.
var columnAliases = map[string]string{
	"category":                 ColCategory,
	"pillar":                   ColCategory,
	"recommendation category":  ColCategory,
	"impact":                   ColImpact,
	"impact level":             ColImpact,
	"business impact":          ColImpact,
	"resource id":              ColResourceID,
	"resourceid":               ColResourceID,
	"resource identifier":      ColResourceID,
	"impacted resource":        ColResourceID,
	"resource type":            ColResourceType,
	"resourcetype":             ColResourceType,
	"impacted resource type":   ColResourceType,
	"subscription id":          ColSubscriptionID,
	"subscriptionid":           ColSubscriptionID,
	"subscription":             ColSubscriptionID,
	"subscription name":        ColSubscription,
	"recommendation":           ColRecommendation,
	"recommendation text":      ColRecommendation,
	"short description":        ColRecommendation,
	"description":              ColDescription,
	"long description":         ColDescription,
	"potential annual savings": ColSavings,
	"potential annual cost savings": ColSavings,
	"annual savings":           ColSavings,
	"potential savings":        ColSavings,
	"savings currency":         ColCurrency,
	"currency":                 ColCurrency,
	"retirement date":          ColRetirement,
	"retiring":                 ColRetirement,
}

// ParsePlan is the accepted output of validation: a reader positioned after
// the header and the resolved mapping from canonical column to index.
type ParsePlan struct {
	Columns   map[string]int
	Delimiter rune
	// reader continues after the header row with any BOM stripped.
	reader io.Reader
}

// Reader exposes the stream positioned at the first data row.
func (p *ParsePlan) Reader() io.Reader {
	return p.reader
}

// Index returns the column index for a canonical name, or -1 if the export
// did not carry that column.
func (p *ParsePlan) Index(canonical string) int {
	if idx, ok := p.Columns[canonical]; ok {
		return idx
	}
	return -1
}

// Validator checks an upload's structural preconditions before any data row
// is read. Individual row values are the parser's job.
type Validator struct {
	MaxFileSize int64
}

// NewValidator creates a validator enforcing the given size ceiling.
func NewValidator(maxFileSize int64) *Validator {
	return &Validator{MaxFileSize: maxFileSize}
}

// CheckSize rejects declared sizes above the ceiling. Called at upload
// acceptance so oversized files never reach storage.
func (v *Validator) CheckSize(declaredSize int64) error {
	if v.MaxFileSize > 0 && declaredSize > v.MaxFileSize {
		return domain.NewValidationError(domain.FailureFileTooLarge,
			"file size %d exceeds maximum %d bytes", declaredSize, v.MaxFileSize)
	}
	return nil
}

// Validate checks the stream's structural conformity and resolves the header
// into a ParsePlan. It reads only the header row.
// Parameters:
//   - r: raw byte stream of the uploaded file.
//   - declaredSize: size reported at upload time.
// Returns:
//   - *ParsePlan: accepted plan with resolved column schema.
//   - error: a *domain.ValidationError describing the rejection.
func (v *Validator) Validate(r io.Reader, declaredSize int64) (*ParsePlan, error) {
	if err := v.CheckSize(declaredSize); err != nil {
		return nil, err
	}

	br := bufio.NewReader(r)

	prefix, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, domain.Transient(err)
	}
	if rejectErr := rejectForeignBOM(prefix); rejectErr != nil {
		return nil, rejectErr
	}
	// Normalize UTF-8 BOM by consuming it.
	if bytes.HasPrefix(prefix, []byte{0xEF, 0xBB, 0xBF}) {
		if _, err := br.Discard(3); err != nil {
			return nil, domain.Transient(err)
		}
	}

	headerLine, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, domain.Transient(err)
	}
	if strings.TrimSpace(headerLine) == "" {
		return nil, &domain.ValidationError{
			Kind:           domain.FailureMissingColumns,
			Detail:         "file has no header row",
			MissingColumns: append([]string(nil), requiredColumns...),
		}
	}
	if !utf8.ValidString(headerLine) {
		return nil, domain.NewValidationError(domain.FailureUnsupportedEncoding,
			"file is not valid UTF-8")
	}

	delimiter := detectDelimiter(headerLine)
	cr := csv.NewReader(strings.NewReader(headerLine))
	cr.Comma = delimiter
	header, err := cr.Read()
	if err != nil {
		return nil, domain.NewValidationError(domain.FailureMissingColumns,
			"failed to read header row: %v", err)
	}

	columns := make(map[string]int, len(header))
	for i, cell := range header {
		normalized := normalizeHeaderCell(cell)
		if canonical, ok := columnAliases[normalized]; ok {
			if _, dup := columns[canonical]; !dup {
				columns[canonical] = i
			}
		}
	}

	var missing []string
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, &domain.ValidationError{
			Kind:           domain.FailureMissingColumns,
			Detail:         "header is missing required columns",
			MissingColumns: missing,
		}
	}

	return &ParsePlan{
		Columns:   columns,
		Delimiter: delimiter,
		reader:    br,
	}, nil
}

// rejectForeignBOM refuses UTF-16/UTF-32 encoded files up front; everything
// else is checked as UTF-8 per line.
func rejectForeignBOM(prefix []byte) error {
	switch {
	case bytes.HasPrefix(prefix, []byte{0xFF, 0xFE, 0x00, 0x00}),
		bytes.HasPrefix(prefix, []byte{0x00, 0x00, 0xFE, 0xFF}):
		return domain.NewValidationError(domain.FailureUnsupportedEncoding,
			"UTF-32 encoded files are not supported, re-export as UTF-8")
	case bytes.HasPrefix(prefix, []byte{0xFF, 0xFE}),
		bytes.HasPrefix(prefix, []byte{0xFE, 0xFF}):
		return domain.NewValidationError(domain.FailureUnsupportedEncoding,
			"UTF-16 encoded files are not supported, re-export as UTF-8")
	}
	return nil
}

// detectDelimiter picks the dominant delimiter of the header line. Comma
// wins ties; semicolon and tab cover the common regional export dialects.
func detectDelimiter(headerLine string) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0}
	inQuotes := false
	for _, r := range headerLine {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			continue
		}
		if _, ok := counts[r]; ok {
			counts[r]++
		}
	}
	best := ','
	for _, candidate := range []rune{';', '\t'} {
		if counts[candidate] > counts[best] {
			best = candidate
		}
	}
	return best
}

// normalizeHeaderCell lower-cases, trims and collapses separators so header
// variants like "Resource_ID" and "resource id" match one alias.
func normalizeHeaderCell(cell string) string {
	s := strings.ToLower(strings.TrimSpace(cell))
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}
