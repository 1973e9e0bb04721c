package domain

import "testing"

func TestParseCategory(t *testing.T) {
	testCases := []struct {
		raw     string
		want    Category
		wantErr bool
	}{
		{raw: "Cost", want: CategoryCost},
		{raw: "  cost  ", want: CategoryCost},
		{raw: "SECURITY", want: CategorySecurity},
		{raw: "High Availability", want: CategoryReliability},
		{raw: "Operational Excellence", want: CategoryOperationalExcel},
		{raw: "performance", want: CategoryPerformance},
		{raw: "Networking", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseCategory(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCategory(%q) should fail", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCategory(%q) failed: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCategory(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestParseImpact(t *testing.T) {
	testCases := []struct {
		raw     string
		want    ImpactLevel
		wantErr bool
	}{
		{raw: "High", want: ImpactHigh},
		{raw: "med", want: ImpactMedium},
		{raw: " low ", want: ImpactLow},
		{raw: "Critical", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseImpact(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseImpact(%q) should fail", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseImpact(%q) failed: %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseImpact(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestImpactRankOrdering(t *testing.T) {
	if !(ImpactHigh.Rank() < ImpactMedium.Rank() && ImpactMedium.Rank() < ImpactLow.Rank()) {
		t.Error("impact ranks must order High before Medium before Low")
	}
	if ImpactLevel("unknown").Rank() <= ImpactLow.Rank() {
		t.Error("unknown impact must sort after all known levels")
	}
}
