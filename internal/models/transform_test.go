package models

import (
	"math"
	"testing"
)

func TestIdentityTransform(t *testing.T) {
	id := IdentityTransform()
	points := [][3]float64{{0, 0, 0}, {1, -2, 3}, {100.5, 0.25, -9}}
	for _, p := range points {
		got := id.Apply(p)
		if got != p {
			t.Errorf("identity moved %v to %v", p, got)
		}
	}
}

func TestTransformApply(t *testing.T) {
	// Scale by 2 in x, translate by (1, 0, -3)
	tr := AffineTransform{
		Linear:      [3][3]float64{{2, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Translation: [3]float64{1, 0, -3},
	}
	got := tr.Apply([3]float64{3, 5, 7})
	want := [3]float64{7, 5, 4}
	for a := 0; a < 3; a++ {
		if math.Abs(got[a]-want[a]) > 1e-12 {
			t.Errorf("axis %d: expected %v, got %v", a, want[a], got[a])
		}
	}
}

func TestTransformInverse(t *testing.T) {
	tr := AffineTransform{
		Linear: [3][3]float64{
			{1.1, 0.2, 0},
			{-0.1, 0.9, 0.05},
			{0, 0.1, 1.2},
		},
		Translation: [3]float64{4, -2, 7},
	}

	inv, err := tr.Inverse()
	if err != nil {
		t.Fatalf("Inverse failed: %v", err)
	}

	points := [][3]float64{{0, 0, 0}, {10, 20, 30}, {-5, 2.5, 100}}
	for _, p := range points {
		back := inv.Apply(tr.Apply(p))
		for a := 0; a < 3; a++ {
			if math.Abs(back[a]-p[a]) > 1e-9 {
				t.Errorf("point %v axis %d: round trip gave %v", p, a, back[a])
			}
		}
	}

	t.Run("singular linear part", func(t *testing.T) {
		var sing AffineTransform
		if _, err := sing.Inverse(); err == nil {
			t.Error("expected error inverting singular transform")
		}
	})
}

func TestTransformCompose(t *testing.T) {
	scale := AffineTransform{
		Linear: [3][3]float64{{2, 0, 0}, {0, 2, 0}, {0, 0, 2}},
	}
	shift := AffineTransform{
		Linear:      IdentityDirection(),
		Translation: [3]float64{1, 1, 1},
	}

	// scale.Compose(shift) applies shift first, then scale
	combined := scale.Compose(shift)
	p := [3]float64{3, 4, 5}
	got := combined.Apply(p)
	want := scale.Apply(shift.Apply(p))
	for a := 0; a < 3; a++ {
		if math.Abs(got[a]-want[a]) > 1e-12 {
			t.Errorf("axis %d: expected %v, got %v", a, want[a], got[a])
		}
	}
	if want != ([3]float64{8, 10, 12}) {
		t.Errorf("sequential application gave unexpected %v", want)
	}
}

func TestTransformString(t *testing.T) {
	s := IdentityTransform().String()
	if s == "" {
		t.Error("expected non-empty matrix rendering")
	}
}
