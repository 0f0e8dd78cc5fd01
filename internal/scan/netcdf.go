package scan

import (
	"fmt"
	"math"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// LoadGrid reads one 2-D variable of a netCDF file into a grid. Cells equal
// to the variable's _FillValue or non-finite are masked.
func LoadGrid(path, name string, rows, cols int) (*types.Grid, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	return readGrid(nc, name, rows, cols)
}

func readGrid(nc api.Group, name string, rows, cols int) (*types.Grid, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	values, err := flatten(v.Values, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}

	fill, hasFill := attrFloat(v.Attributes, "_FillValue")
	g := types.NewGrid(rows, cols)
	for i, x := range values {
		if math.IsNaN(x) || math.IsInf(x, 0) || (hasFill && x == fill) {
			g.SetMasked(i)
			continue
		}
		g.Values[i] = x
	}
	return g, nil
}

func readValues(nc api.Group, name string, rows, cols int) ([]float64, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	out, err := flatten(v.Values, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	return out, nil
}

// flatten converts a decoded 2-D netCDF array to row-major float64.
func flatten(v any, rows, cols int) ([]float64, error) {
	switch a := v.(type) {
	case [][]float64:
		return flattenOf(a, rows, cols)
	case [][]float32:
		return flattenOf(a, rows, cols)
	case [][]int32:
		return flattenOf(a, rows, cols)
	case [][]int16:
		return flattenOf(a, rows, cols)
	case [][]int8:
		return flattenOf(a, rows, cols)
	case [][]uint8:
		return flattenOf(a, rows, cols)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func flattenOf[T float64 | float32 | int32 | int16 | int8 | uint8](a [][]T, rows, cols int) ([]float64, error) {
	if len(a) != rows {
		return nil, fmt.Errorf("%w: %d rows, want %d", rterrors.ErrShapeMismatch, len(a), rows)
	}
	out := make([]float64, 0, rows*cols)
	for r, row := range a {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d cols, want %d", rterrors.ErrShapeMismatch, r, len(row), cols)
		}
		for _, x := range row {
			out = append(out, float64(x))
		}
	}
	return out, nil
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	v, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int64:
		return float64(x), true
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	case []float32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	}
	return 0, false
}
