package types

import "testing"

func TestGridAddValidPropagatesMask(t *testing.T) {
	a := NewMaskedGrid(1, 3)
	a.Set(0, 1)

	b := NewMaskedGrid(1, 3)
	b.Set(0, 2)
	b.Set(1, 5)

	sum := NewMaskedGrid(1, 3)
	if err := sum.AddValid(a); err != nil {
		t.Fatalf("AddValid: %v", err)
	}
	if err := sum.AddValid(b); err != nil {
		t.Fatalf("AddValid: %v", err)
	}

	if v, ok := sum.At(0, 0); !ok || v != 3 {
		t.Errorf("cell 0: expected 3, got %v (valid=%v)", v, ok)
	}
	if v, ok := sum.At(0, 1); !ok || v != 5 {
		t.Errorf("cell 1: expected 5, got %v (valid=%v)", v, ok)
	}
	if _, ok := sum.At(0, 2); ok {
		t.Error("cell 2 masked everywhere should stay masked")
	}
	if sum.Values[2] != DefaultNoData {
		t.Errorf("masked cell should hold NoData, got %v", sum.Values[2])
	}
}

func TestGridAddValidShapeMismatch(t *testing.T) {
	if err := NewGrid(2, 2).AddValid(NewGrid(2, 3)); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestGridClampNegative(t *testing.T) {
	g := NewGrid(1, 3)
	g.Values = []float64{-1, 2, -3}
	g.SetMasked(2)

	g.ClampNegative()

	if g.Values[0] != 0 || g.Values[1] != 2 {
		t.Errorf("unexpected values after clamp: %v", g.Values)
	}
	if g.Values[2] != DefaultNoData {
		t.Errorf("masked cell should be untouched, got %v", g.Values[2])
	}
}

func TestSameStations(t *testing.T) {
	if !SameStations([]string{"NL61", "NL60"}, []string{"NL60", "NL61"}) {
		t.Error("expected equal sets regardless of order")
	}
	if SameStations([]string{"NL60"}, []string{"NL60", "NL61"}) {
		t.Error("different sizes should not be equal")
	}
}
