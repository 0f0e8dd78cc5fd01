// Package validation provides centralized input validation for names and
// references given on the command line, in the shell and in the manifest.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// TierNameRules returns the rules for tier and pair names.
func TierNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// StationRules returns the rules for station codes. Station codes end up in
// scan file names.
func StationRules() NameRules {
	return NameRules{
		MinLength:    2,
		MaxLength:    16,
		AllowHyphens: true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateTierName validates a tier or pair name.
func ValidateTierName(name string) error {
	return ValidateName(name, TierNameRules())
}

// ValidateStation validates a station code.
func ValidateStation(code string) error {
	return ValidateName(code, StationRules())
}

// =============================================================================
// Tier Reference Validation
// =============================================================================

// TierRef names one tier of a StoreGroup.
type TierRef struct {
	Timeframe types.Timeframe
	Tier      string
}

// ParseTierRef parses a "timeframe/tier" reference, e.g. "hour/real1".
func ParseTierRef(ref string) (*TierRef, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty tier reference")
	}

	tf, name, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, fmt.Errorf("invalid tier reference format: expected 'timeframe/tier', got '%s'", ref)
	}

	timeframe, err := types.ParseTimeframe(strings.TrimSpace(tf))
	if err != nil {
		return nil, fmt.Errorf("invalid tier reference '%s': %w", ref, err)
	}
	name = strings.TrimSpace(name)
	if err := ValidateTierName(name); err != nil {
		return nil, fmt.Errorf("invalid tier in reference '%s': %w", ref, err)
	}

	return &TierRef{Timeframe: timeframe, Tier: name}, nil
}

// String returns the string representation of the tier reference.
func (r *TierRef) String() string {
	return r.Timeframe.String() + "/" + r.Tier
}

// =============================================================================
// Product Reference Validation
// =============================================================================

// ProductRef addresses one product file.
type ProductRef struct {
	Kind      products.Kind
	Timeframe types.Timeframe

	// Prodcode is unset for aggregates.
	Prodcode    types.Prodcode
	HasProdcode bool

	Datetime time.Time
}

// ParseProductRef parses a "kind/code/YYYYMMDDHHMM" reference, e.g.
// "aggregate/hour/202405011200" or "calibrated/day_a/202405020800".
func ParseProductRef(ref string) (*ProductRef, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty product reference")
	}

	parts := strings.Split(ref, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid product reference format: expected 'kind/code/YYYYMMDDHHMM', got '%s'", ref)
	}

	kind, err := products.ParseKind(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid product reference '%s': %w", ref, err)
	}

	r := &ProductRef{Kind: kind}
	tf, pc, hasPC := strings.Cut(parts[1], "_")
	if r.Timeframe, err = types.ParseTimeframe(tf); err != nil {
		return nil, fmt.Errorf("invalid product reference '%s': %w", ref, err)
	}
	switch {
	case kind == products.KindAggregate && hasPC:
		return nil, fmt.Errorf("invalid product reference '%s': aggregates carry no prodcode", ref)
	case kind != products.KindAggregate && !hasPC:
		return nil, fmt.Errorf("invalid product reference '%s': %s products need a prodcode", ref, kind)
	case hasPC:
		if r.Prodcode, err = types.ParseProdcode(pc); err != nil {
			return nil, fmt.Errorf("invalid product reference '%s': %w", ref, err)
		}
		r.HasProdcode = true
	}

	if r.Datetime, err = time.Parse("200601021504", parts[2]); err != nil {
		return nil, fmt.Errorf("invalid product reference '%s': bad instant, want YYYYMMDDHHMM", ref)
	}
	if !r.Timeframe.Aligned(r.Datetime) {
		return nil, fmt.Errorf("invalid product reference '%s': not a %s boundary", ref, r.Timeframe)
	}

	return r, nil
}

// Code returns the path code of the referenced product.
func (r *ProductRef) Code() string {
	if r.HasProdcode {
		return r.Key().Code()
	}
	return products.AggregateCode(r.Timeframe)
}

// Key returns the product key. Meaningless for aggregates.
func (r *ProductRef) Key() types.ProductKey {
	return types.ProductKey{Prodcode: r.Prodcode, Timeframe: r.Timeframe, Datetime: r.Datetime}
}

// String returns the string representation of the product reference.
func (r *ProductRef) String() string {
	return string(r.Kind) + "/" + r.Code() + "/" + r.Datetime.Format("200601021504")
}
