// Package period parses the period expressions accepted on the command line
// into ranges of aligned product instants.
//
//	202405010800-202405020800   explicit bounds, both inclusive
//	202405010800                a single instant
//	3d, 12h, 30m                a window ending at the last boundary before now
package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Layout is the format of an instant in a period expression.
const Layout = "200601021504"

var relativeRe = regexp.MustCompile(`^(\d+)([dhm])$`)

// Range is a finite run of product instants of one timeframe. Start and
// End are both included.
type Range struct {
	Timeframe types.Timeframe
	Start     time.Time
	End       time.Time
}

// Parse parses expr for timeframe tf. Relative windows are resolved
// against clock.
func Parse(expr string, tf types.Timeframe, clock clockwork.Clock) (Range, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Range{}, rterrors.Wrap(rterrors.ErrInvalidPeriod, "empty period")
	}

	if m := relativeRe.FindStringSubmatch(expr); m != nil {
		return relative(m[1], m[2], tf, clock)
	}

	first, last, found := strings.Cut(expr, "-")
	start, err := parseInstant(first)
	if err != nil {
		return Range{}, err
	}
	end := start
	if found {
		if end, err = parseInstant(last); err != nil {
			return Range{}, err
		}
	}
	return New(tf, start, end)
}

// New validates an explicit range.
func New(tf types.Timeframe, start, end time.Time) (Range, error) {
	start, end = start.UTC(), end.UTC()
	for _, t := range []time.Time{start, end} {
		if !tf.Aligned(t) {
			return Range{}, rterrors.Wrap(rterrors.ErrMisalignedPeriod, "%s is not a %s boundary", t.Format(Layout), tf)
		}
	}
	if end.Before(start) {
		return Range{}, rterrors.Wrap(rterrors.ErrInvalidPeriod, "%s ends before it starts", start.Format(Layout)+"-"+end.Format(Layout))
	}
	return Range{Timeframe: tf, Start: start, End: end}, nil
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, rterrors.Wrap(rterrors.ErrInvalidPeriod, "bad instant %q, want YYYYMMDDHHMM", s)
	}
	return t, nil
}

func relative(count, unit string, tf types.Timeframe, clock clockwork.Clock) (Range, error) {
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return Range{}, rterrors.Wrap(rterrors.ErrInvalidPeriod, "window %s%s must be positive", count, unit)
	}
	var span time.Duration
	switch unit {
	case "d":
		span = time.Duration(n) * 24 * time.Hour
	case "h":
		span = time.Duration(n) * time.Hour
	case "m":
		span = time.Duration(n) * time.Minute
	}
	if span < tf.Delta() {
		return Range{}, rterrors.Wrap(rterrors.ErrInvalidPeriod, "window %s%s is shorter than one %s period", count, unit, tf)
	}

	end := tf.Floor(clock.Now())
	start := end.Add(-span + tf.Delta())
	start = tf.Floor(start.Add(tf.Delta() - time.Nanosecond))
	return Range{Timeframe: tf, Start: start, End: end}, nil
}

// Len returns the number of instants in the range.
func (r Range) Len() int {
	return int(r.End.Sub(r.Start)/r.Timeframe.Delta()) + 1
}

// String formats the range as an explicit expression.
func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start.Format(Layout), r.End.Format(Layout))
}

// Iter returns an iterator over the instants of the range, oldest first.
func (r Range) Iter() *Iterator {
	return &Iterator{r: r, next: r.Start}
}

// Iterator walks a range. It is restartable with Reset.
type Iterator struct {
	r    Range
	next time.Time
}

// Next returns the next instant and false once the range is exhausted.
func (it *Iterator) Next() (time.Time, bool) {
	if it.next.After(it.r.End) {
		return time.Time{}, false
	}
	t := it.next
	it.next = t.Add(it.r.Timeframe.Delta())
	return t, true
}

// Reset rewinds the iterator to the start of the range.
func (it *Iterator) Reset() {
	it.next = it.r.Start
}

// Times returns every instant of the range.
func (r Range) Times() []time.Time {
	out := make([]time.Time, 0, r.Len())
	it := r.Iter()
	for t, ok := it.Next(); ok; t, ok = it.Next() {
		out = append(out, t)
	}
	return out
}
