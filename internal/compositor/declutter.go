package compositor

import (
	"github.com/xtxerr/raintier/internal/storage/types"
)

// DeclutterSpatial zeroes every 4-connected cluster of valid non-zero cells
// whose size is at most size. It returns the number of cells zeroed.
// A size of zero disables the filter.
func DeclutterSpatial(g *types.Grid, size int) int {
	if size <= 0 {
		return 0
	}

	wet := func(i int) bool { return g.Valid(i) && g.Values[i] != 0 }

	seen := make([]bool, g.Len())
	var queue, cluster []int
	zeroed := 0

	for start := 0; start < g.Len(); start++ {
		if seen[start] || !wet(start) {
			continue
		}

		seen[start] = true
		queue = append(queue[:0], start)
		cluster = cluster[:0]

		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			cluster = append(cluster, i)

			r, c := i/g.Cols, i%g.Cols
			for _, n := range [4][2]int{{r - 1, c}, {r + 1, c}, {r, c - 1}, {r, c + 1}} {
				if n[0] < 0 || n[0] >= g.Rows || n[1] < 0 || n[1] >= g.Cols {
					continue
				}
				j := g.Index(n[0], n[1])
				if !seen[j] && wet(j) {
					seen[j] = true
					queue = append(queue, j)
				}
			}
		}

		if len(cluster) <= size {
			for _, i := range cluster {
				g.Values[i] = 0
			}
			zeroed += len(cluster)
		}
	}

	return zeroed
}

// DeclutterHistorical masks cells of the pair stations where the station's
// clutter frequency exceeds threshold and is the highest of the pair.
// rain maps station codes to the grids to modify in place; clutter maps
// station codes to clutter-frequency grids. Stations without a clutter map
// are left alone. It returns the number of cells masked.
func DeclutterHistorical(rain map[string]*types.Grid, clutter map[string]*types.Grid, pair []string, threshold float64) int {
	if threshold <= 0 || len(clutter) == 0 {
		return 0
	}

	var members []string
	for _, s := range pair {
		if clutter[s] != nil {
			members = append(members, s)
		}
	}
	if len(members) == 0 {
		return 0
	}

	masked := 0
	n := clutter[members[0]].Len()
	for i := 0; i < n; i++ {
		highest := 0.0
		for _, s := range members {
			if c := clutter[s]; c.Valid(i) && c.Values[i] > highest {
				highest = c.Values[i]
			}
		}
		if highest <= threshold {
			continue
		}
		for _, s := range members {
			g := rain[s]
			c := clutter[s]
			if g == nil || !g.Valid(i) || !c.Valid(i) {
				continue
			}
			if c.Values[i] > threshold && c.Values[i] == highest {
				g.SetMasked(i)
				masked++
			}
		}
	}
	return masked
}
