package types

import (
	"fmt"
	"time"
)

// Timeframe is the aggregation granularity of a product.
type Timeframe int

const (
	// Timeframe5Min is the finest timeframe, built directly from composites.
	Timeframe5Min Timeframe = iota

	// TimeframeHour sums twelve 5-minute aggregates.
	TimeframeHour

	// TimeframeDay sums 24 hourly aggregates. Days start at DayBoundaryHour UTC.
	TimeframeDay
)

// DayBoundaryHour is the UTC hour at which a day period ends and the next begins.
const DayBoundaryHour = 8

// String returns the timeframe code used in paths and configuration.
func (t Timeframe) String() string {
	switch t {
	case Timeframe5Min:
		return "5min"
	case TimeframeHour:
		return "hour"
	case TimeframeDay:
		return "day"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Delta returns the length of one period.
func (t Timeframe) Delta() time.Duration {
	switch t {
	case Timeframe5Min:
		return 5 * time.Minute
	case TimeframeHour:
		return time.Hour
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Finer returns the next-finer timeframe. The finest timeframe returns false.
func (t Timeframe) Finer() (Timeframe, bool) {
	switch t {
	case TimeframeHour:
		return Timeframe5Min, true
	case TimeframeDay:
		return TimeframeHour, true
	default:
		return t, false
	}
}

// Coarser returns the next-coarser timeframe. The coarsest timeframe returns false.
func (t Timeframe) Coarser() (Timeframe, bool) {
	switch t {
	case Timeframe5Min:
		return TimeframeHour, true
	case TimeframeHour:
		return TimeframeDay, true
	default:
		return t, false
	}
}

// IsFinest reports whether t is the 5-minute timeframe.
func (t Timeframe) IsFinest() bool {
	return t == Timeframe5Min
}

// SubPeriods returns how many next-finer periods make up one period of t.
// Returns 0 for the finest timeframe.
func (t Timeframe) SubPeriods() int {
	finer, ok := t.Finer()
	if !ok {
		return 0
	}
	return int(t.Delta() / finer.Delta())
}

// Aligned reports whether ts falls on a canonical boundary of t.
func (t Timeframe) Aligned(ts time.Time) bool {
	ts = ts.UTC()
	if ts.Second() != 0 || ts.Nanosecond() != 0 {
		return false
	}
	switch t {
	case Timeframe5Min:
		return ts.Minute()%5 == 0
	case TimeframeHour:
		return ts.Minute() == 0
	case TimeframeDay:
		return ts.Minute() == 0 && ts.Hour() == DayBoundaryHour
	default:
		return false
	}
}

// Floor returns the latest canonical boundary of t at or before ts.
func (t Timeframe) Floor(ts time.Time) time.Time {
	ts = ts.UTC()
	switch t {
	case Timeframe5Min:
		return ts.Truncate(5 * time.Minute)
	case TimeframeHour:
		return ts.Truncate(time.Hour)
	case TimeframeDay:
		b := time.Date(ts.Year(), ts.Month(), ts.Day(), DayBoundaryHour, 0, 0, 0, time.UTC)
		if b.After(ts) {
			b = b.AddDate(0, 0, -1)
		}
		return b
	default:
		return ts
	}
}

// SubPeriodTimes returns the keys of the finer periods covering the period that
// ends at ts, oldest first. Returns nil for the finest timeframe.
func (t Timeframe) SubPeriodTimes(ts time.Time) []time.Time {
	finer, ok := t.Finer()
	if !ok {
		return nil
	}
	n := t.SubPeriods()
	step := finer.Delta()
	start := ts.Add(-t.Delta())
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i+1) * step)
	}
	return times
}

// ParseTimeframe parses a timeframe code.
func ParseTimeframe(s string) (Timeframe, error) {
	switch s {
	case "5min", "f":
		return Timeframe5Min, nil
	case "hour", "h":
		return TimeframeHour, nil
	case "day", "d":
		return TimeframeDay, nil
	default:
		return Timeframe5Min, fmt.Errorf("unknown timeframe: %s", s)
	}
}

// AllTimeframes returns the timeframes from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{Timeframe5Min, TimeframeHour, TimeframeDay}
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeframe) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timeframe) UnmarshalText(b []byte) error {
	v, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Prodcode is the latency tier of a calibrated product.
type Prodcode int

const (
	// ProdcodeRealtime is produced as soon as the radar data arrives.
	ProdcodeRealtime Prodcode = iota

	// ProdcodeNearRealtime waits for the first batch of automatic gauges.
	ProdcodeNearRealtime

	// ProdcodeAfterwards waits for the validated automatic gauges.
	ProdcodeAfterwards

	// ProdcodeUltimate waits for the manual gauge network.
	ProdcodeUltimate
)

// String returns the prodcode name.
func (p Prodcode) String() string {
	switch p {
	case ProdcodeRealtime:
		return "realtime"
	case ProdcodeNearRealtime:
		return "near-realtime"
	case ProdcodeAfterwards:
		return "afterwards"
	case ProdcodeUltimate:
		return "ultimate"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Code returns the single-letter code used in product file names.
func (p Prodcode) Code() string {
	switch p {
	case ProdcodeRealtime:
		return "r"
	case ProdcodeNearRealtime:
		return "n"
	case ProdcodeAfterwards:
		return "a"
	case ProdcodeUltimate:
		return "u"
	default:
		return "x"
	}
}

// IsLate reports whether the prodcode waits for validated gauges.
func (p Prodcode) IsLate() bool {
	return p == ProdcodeAfterwards || p == ProdcodeUltimate
}

// ParseProdcode parses a prodcode name or letter.
func ParseProdcode(s string) (Prodcode, error) {
	switch s {
	case "realtime", "r":
		return ProdcodeRealtime, nil
	case "near-realtime", "near", "n":
		return ProdcodeNearRealtime, nil
	case "afterwards", "after", "a":
		return ProdcodeAfterwards, nil
	case "ultimate", "u":
		return ProdcodeUltimate, nil
	default:
		return ProdcodeRealtime, fmt.Errorf("unknown prodcode: %s", s)
	}
}

// AllProdcodes returns the prodcodes in order of increasing latency.
func AllProdcodes() []Prodcode {
	return []Prodcode{ProdcodeRealtime, ProdcodeNearRealtime, ProdcodeAfterwards, ProdcodeUltimate}
}

// MarshalText implements encoding.TextMarshaler.
func (p Prodcode) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Prodcode) UnmarshalText(b []byte) error {
	v, err := ParseProdcode(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
