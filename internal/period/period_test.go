package period

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

func at(s string) time.Time {
	t, err := time.Parse(Layout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 2, 10, 37, 12, 0, time.UTC))

	tests := []struct {
		expr       string
		tf         types.Timeframe
		start, end string
		n          int
	}{
		{"202405010800-202405020800", types.TimeframeDay, "202405010800", "202405020800", 2},
		{"202405011000-202405011100", types.Timeframe5Min, "202405011000", "202405011100", 13},
		{"202405011300", types.TimeframeHour, "202405011300", "202405011300", 1},
		{"1d", types.TimeframeHour, "202405011100", "202405021000", 24},
		{"2h", types.Timeframe5Min, "202405020840", "202405021035", 24},
		{"3d", types.TimeframeDay, "202404300800", "202405020800", 3},
		{"30m", types.Timeframe5Min, "202405021010", "202405021035", 6},
	}
	for _, tt := range tests {
		r, err := Parse(tt.expr, tt.tf, clock)
		if err != nil {
			t.Errorf("Parse(%q, %s): %v", tt.expr, tt.tf, err)
			continue
		}
		if !r.Start.Equal(at(tt.start)) || !r.End.Equal(at(tt.end)) {
			t.Errorf("Parse(%q, %s) = %s, want %s-%s", tt.expr, tt.tf, r, tt.start, tt.end)
		}
		if r.Len() != tt.n {
			t.Errorf("Parse(%q, %s).Len() = %d, want %d", tt.expr, tt.tf, r.Len(), tt.n)
		}
	}
}

func TestParseErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tests := []struct {
		expr string
		tf   types.Timeframe
		want error
	}{
		{"", types.TimeframeHour, rterrors.ErrInvalidPeriod},
		{"yesterday", types.TimeframeHour, rterrors.ErrInvalidPeriod},
		{"2024050108", types.TimeframeHour, rterrors.ErrInvalidPeriod},
		{"202405011030", types.TimeframeHour, rterrors.ErrMisalignedPeriod},
		{"202405010000", types.TimeframeDay, rterrors.ErrMisalignedPeriod},
		{"202405011000-202405010900", types.TimeframeHour, rterrors.ErrInvalidPeriod},
		{"0d", types.TimeframeDay, rterrors.ErrInvalidPeriod},
		{"30m", types.TimeframeHour, rterrors.ErrInvalidPeriod},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.expr, tt.tf, clock); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q, %s) err = %v, want %v", tt.expr, tt.tf, err, tt.want)
		}
	}
}

func TestIteratorRestartable(t *testing.T) {
	r, err := New(types.TimeframeHour, at("202405010800"), at("202405011000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	it := r.Iter()
	var first []time.Time
	for ts, ok := it.Next(); ok; ts, ok = it.Next() {
		first = append(first, ts)
	}
	if len(first) != 3 || !first[2].Equal(at("202405011000")) {
		t.Fatalf("iterated %v", first)
	}
	if _, ok := it.Next(); ok {
		t.Error("exhausted iterator yielded again")
	}

	it.Reset()
	ts, ok := it.Next()
	if !ok || !ts.Equal(first[0]) {
		t.Errorf("after Reset got %s, %v", ts, ok)
	}

	if got := r.Times(); len(got) != 3 {
		t.Errorf("Times() = %v", got)
	}
}
