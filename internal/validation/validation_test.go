package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

func TestValidateName(t *testing.T) {
	rules := TierNameRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "real1", false},
		{"with hyphen", "nowcast-a", false},
		{"with underscore", "near_rt", false},
		{"numbers", "123", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"with dot", "real.1", true},
		{"too long", strings.Repeat("x", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStation(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"NL60", false},
		{"ess", false},
		{"de-emd", false},
		{"N", true},
		{"NL_60", true},
		{"NL60.nc", true},
	}
	for _, tt := range tests {
		if err := ValidateStation(tt.input); (err != nil) != tt.wantErr {
			t.Errorf("ValidateStation(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestParseTierRef(t *testing.T) {
	ref, err := ParseTierRef("hour/real1")
	if err != nil {
		t.Fatalf("ParseTierRef: %v", err)
	}
	if ref.Timeframe != types.TimeframeHour || ref.Tier != "real1" || ref.String() != "hour/real1" {
		t.Errorf("ref = %+v", ref)
	}

	for _, bad := range []string{"", "hour", "week/real1", "hour/", "hour/a/b"} {
		if _, err := ParseTierRef(bad); err == nil {
			t.Errorf("ParseTierRef(%q) should fail", bad)
		}
	}
}

func TestParseProductRef(t *testing.T) {
	tests := []struct {
		input string
		kind  products.Kind
		code  string
		dt    time.Time
	}{
		{"aggregate/hour/202405011200", products.KindAggregate, "hour", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"calibrated/day_a/202405020800", products.KindCalibrated, "day_a", time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)},
		{"consistent/5min_near-realtime/202405011205", products.KindConsistent, "5min_n", time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		ref, err := ParseProductRef(tt.input)
		if err != nil {
			t.Errorf("ParseProductRef(%q): %v", tt.input, err)
			continue
		}
		if ref.Kind != tt.kind || ref.Code() != tt.code || !ref.Datetime.Equal(tt.dt) {
			t.Errorf("ParseProductRef(%q) = %s", tt.input, ref)
		}
	}

	bad := []string{
		"",
		"aggregate/hour",
		"aggregate/hour_a/202405011200",
		"calibrated/hour/202405011200",
		"bogus/hour/202405011200",
		"calibrated/hour_x/202405011200",
		"aggregate/day/202405020000",
		"aggregate/hour/2024-05-01",
	}
	for _, in := range bad {
		if _, err := ParseProductRef(in); err == nil {
			t.Errorf("ParseProductRef(%q) should fail", in)
		}
	}
}
