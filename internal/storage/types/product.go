package types

import (
	"errors"
	"fmt"
	"slices"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
)

// DeclutterConfig selects the echo suppression applied by the compositor.
type DeclutterConfig struct {
	// Size is the largest connected cluster of non-zero cells that is removed.
	// Zero disables spatial decluttering.
	Size int `yaml:"size"`

	// History is the clutter-frequency threshold above which a cell of one of the
	// paired stations is masked. Zero disables historical decluttering.
	History float64 `yaml:"history"`
}

// Validate rejects impossible combinations.
func (d DeclutterConfig) Validate() error {
	var errs []error
	if d.Size < 0 {
		errs = append(errs, fmt.Errorf("declutter size must not be negative, got %d", d.Size))
	}
	if d.History < 0 {
		errs = append(errs, fmt.Errorf("declutter history must not be negative, got %g", d.History))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rterrors.ErrInvalidDeclutter, errors.Join(errs...))
	}
	return nil
}

// String returns a compact form for logging.
func (d DeclutterConfig) String() string {
	return fmt.Sprintf("size=%d,history=%g", d.Size, d.History)
}

// StationGrid is one station's scan resampled onto the common grid.
type StationGrid struct {
	Station string
	Time    time.Time

	// Rain is the rain intensity in mm/h. Its mask marks cells outside the
	// station's coverage.
	Rain *Grid

	// Range is the slant range in meters, Elevation the beam elevation in degrees,
	// both indexed like Rain.
	Range     []float64
	Elevation []float64

	// AntennaHeight is the antenna height above sea level in meters.
	AntennaHeight float64
}

// Composite is the fusion of all station grids valid at one instant.
type Composite struct {
	Time      time.Time
	Grid      *Grid
	Stations  []string
	Declutter DeclutterConfig
	Method    string
}

// Summary holds distribution statistics of the wet cells of a grid.
type Summary struct {
	Wet int
	Max float64
	P50 float64
	P90 float64
	P99 float64
}

// Aggregate is the precipitation sum over [Datetime-Delta, Datetime).
type Aggregate struct {
	Timeframe Timeframe
	Datetime  time.Time
	Grid      *Grid

	// Stations is the requested station set; Available[i] tells whether
	// Stations[i] contributed to at least one composite.
	Stations  []string
	Available []bool

	CompositeCount int
	FirstComposite time.Time
	LastComposite  time.Time

	Declutter DeclutterConfig
	Summary   Summary
}

// AllAvailable reports whether every requested station contributed.
func (a *Aggregate) AllAvailable() bool {
	for _, ok := range a.Available {
		if !ok {
			return false
		}
	}
	return len(a.Available) == len(a.Stations)
}

// MissingStations returns the stations that never contributed.
func (a *Aggregate) MissingStations() []string {
	var missing []string
	for i, s := range a.Stations {
		if i >= len(a.Available) || !a.Available[i] {
			missing = append(missing, s)
		}
	}
	return missing
}

// String identifies the aggregate in logs.
func (a *Aggregate) String() string {
	return fmt.Sprintf("%s@%s", a.Timeframe, a.Datetime.UTC().Format(time.RFC3339))
}

// CalibrationMethod tags how a product was adjusted to gauges.
type CalibrationMethod string

const (
	MethodNone    CalibrationMethod = "none"
	MethodIDW     CalibrationMethod = "idw"
	MethodKriging CalibrationMethod = "kriging-external-drift"
)

// ProductKey addresses a calibrated or consistent product.
type ProductKey struct {
	Prodcode  Prodcode
	Timeframe Timeframe
	Datetime  time.Time
}

// Code returns the path code combining timeframe and prodcode, e.g. "hour_a".
func (k ProductKey) Code() string {
	return k.Timeframe.String() + "_" + k.Prodcode.Code()
}

// String identifies the key in logs.
func (k ProductKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Prodcode, k.Timeframe, k.Datetime.UTC().Format(time.RFC3339))
}

// Product is a calibrated aggregate. When Anchor is set it is a consistent
// product: Source was rescaled so the products sharing Anchor sum to it.
type Product struct {
	Key            ProductKey
	Grid           *Grid
	Method         CalibrationMethod
	GaugeCount     int
	Stations       []string
	CompositeCount int

	Source *ProductKey
	Anchor *ProductKey
}

// IsConsistent reports whether the product was rescaled to a coarser anchor.
func (p *Product) IsConsistent() bool {
	return p.Anchor != nil
}

// SameStations reports whether a and b contain the same station codes,
// ignoring order.
func SameStations(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
