package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/clearlens/clearlens/internal/domain"
)

const validHeader = "Category,Impact,Resource ID,Subscription ID,Recommendation\n"

func TestCheckSize(t *testing.T) {
	v := NewValidator(1024)

	if err := v.CheckSize(1024); err != nil {
		t.Errorf("size at the limit should pass, got %v", err)
	}
	err := v.CheckSize(1025)
	if err == nil {
		t.Fatal("size above the limit should be rejected")
	}
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Kind != domain.FailureFileTooLarge {
		t.Errorf("kind = %s, want %s", ve.Kind, domain.FailureFileTooLarge)
	}
}

func TestValidateHeaderResolution(t *testing.T) {
	testCases := []struct {
		name      string
		header    string
		delimiter rune
	}{
		{
			name:      "canonical comma header",
			header:    validHeader,
			delimiter: ',',
		},
		{
			name:      "aliased names",
			header:    "Pillar,Business Impact,Impacted Resource,Subscription,Short Description\n",
			delimiter: ',',
		},
		{
			name:      "underscored names",
			header:    "category,impact_level,resource_id,subscription_id,recommendation_text\n",
			delimiter: ',',
		},
		{
			name:      "semicolon dialect",
			header:    "Category;Impact;Resource ID;Subscription ID;Recommendation\n",
			delimiter: ';',
		},
		{
			name:      "tab dialect",
			header:    "Category\tImpact\tResource ID\tSubscription ID\tRecommendation\n",
			delimiter: '\t',
		},
		{
			name:      "utf-8 BOM stripped",
			header:    "\xEF\xBB\xBF" + validHeader,
			delimiter: ',',
		},
	}

	v := NewValidator(0)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := v.Validate(strings.NewReader(tc.header), int64(len(tc.header)))
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if plan.Delimiter != tc.delimiter {
				t.Errorf("delimiter = %q, want %q", plan.Delimiter, tc.delimiter)
			}
			for _, col := range []string{ColCategory, ColImpact, ColResourceID, ColSubscriptionID, ColRecommendation} {
				if plan.Index(col) < 0 {
					t.Errorf("column %s not resolved", col)
				}
			}
		})
	}
}

func TestValidateMissingColumns(t *testing.T) {
	v := NewValidator(0)
	header := "Category,Impact,Recommendation\n"

	_, err := v.Validate(strings.NewReader(header), int64(len(header)))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Kind != domain.FailureMissingColumns {
		t.Errorf("kind = %s, want %s", ve.Kind, domain.FailureMissingColumns)
	}
	want := map[string]bool{ColResourceID: true, ColSubscriptionID: true}
	if len(ve.MissingColumns) != len(want) {
		t.Fatalf("missing = %v, want exactly %v", ve.MissingColumns, want)
	}
	for _, col := range ve.MissingColumns {
		if !want[col] {
			t.Errorf("unexpected missing column %s", col)
		}
	}
}

func TestValidateRejectsForeignEncodings(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{name: "utf-16 LE BOM", data: "\xFF\xFEC\x00a\x00t\x00"},
		{name: "utf-16 BE BOM", data: "\xFE\xFF\x00C\x00a\x00t"},
		{name: "utf-32 LE BOM", data: "\xFF\xFE\x00\x00C\x00\x00\x00"},
		{name: "invalid utf-8 header", data: "Category,\xFF\xFD Impact\n"},
	}

	v := NewValidator(0)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(strings.NewReader(tc.data), int64(len(tc.data)))
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Kind != domain.FailureUnsupportedEncoding {
				t.Errorf("kind = %s, want %s", ve.Kind, domain.FailureUnsupportedEncoding)
			}
		})
	}
}

func TestValidateEmptyFile(t *testing.T) {
	v := NewValidator(0)
	_, err := v.Validate(strings.NewReader(""), 0)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Kind != domain.FailureMissingColumns {
		t.Errorf("kind = %s, want %s", ve.Kind, domain.FailureMissingColumns)
	}
}

func TestNormalizeHeaderCell(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"Resource_ID", "resource id"},
		{"  Potential Annual Savings ", "potential annual savings"},
		{"impact-level", "impact level"},
		{"CATEGORY", "category"},
		{"\uFEFFCategory", "category"},
	}
	for _, tc := range testCases {
		if got := normalizeHeaderCell(tc.in); got != tc.want {
			t.Errorf("normalizeHeaderCell(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
