package aggregate

import (
	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/raintier/internal/storage/types"
)

// SummaryAccuracy is the relative accuracy of the quantile sketch.
const SummaryAccuracy = 0.01

// Summarize computes distribution statistics over the wet cells of g
// (valid and strictly positive). A dry grid yields a zero summary.
func Summarize(g *types.Grid) types.Summary {
	var s types.Summary

	sketch, err := ddsketch.NewDefaultDDSketch(SummaryAccuracy)
	if err != nil {
		return s
	}

	for i, v := range g.Values {
		if g.Mask[i] || v <= 0 {
			continue
		}
		s.Wet++
		if v > s.Max {
			s.Max = v
		}
		sketch.Add(v)
	}

	if s.Wet == 0 {
		return s
	}

	s.P50, _ = sketch.GetValueAtQuantile(0.50)
	s.P90, _ = sketch.GetValueAtQuantile(0.90)
	s.P99, _ = sketch.GetValueAtQuantile(0.99)
	return s
}
