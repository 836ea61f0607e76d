package models

import (
	"errors"
	"math"
	"testing"
)

func TestGridValidate(t *testing.T) {
	valid := NewGrid([3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})

	tests := []struct {
		name    string
		mutate  func(g *Grid)
		wantErr bool
	}{
		{"valid grid", func(g *Grid) {}, false},
		{"zero x spacing", func(g *Grid) { g.Spacing[0] = 0 }, true},
		{"zero z spacing", func(g *Grid) { g.Spacing[2] = 0 }, true},
		{"negative spacing", func(g *Grid) { g.Spacing[1] = -2 }, true},
		{"nan spacing", func(g *Grid) { g.Spacing[0] = math.NaN() }, true},
		{"infinite spacing", func(g *Grid) { g.Spacing[2] = math.Inf(1) }, true},
		{"zero dimension", func(g *Grid) { g.Dims[1] = 0 }, true},
		{"negative dimension", func(g *Grid) { g.Dims[0] = -3 }, true},
		{"singular direction", func(g *Grid) { g.Direction[2] = [3]float64{0, 0, 0} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid
			tt.mutate(&g)
			err := g.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if !errors.Is(err, ErrInvalidGeometry) {
					t.Errorf("expected ErrInvalidGeometry, got %v", err)
				}
			} else if err != nil {
				t.Errorf("expected valid grid, got %v", err)
			}
		})
	}
}

func TestGridIndexToPhysical(t *testing.T) {
	g := NewGrid([3]int{10, 10, 10}, [3]float64{2, 3, 4}, [3]float64{-5, 0, 10})

	p := g.IndexToPhysical(1, 2, 3)
	want := [3]float64{-5 + 2, 0 + 6, 10 + 12}
	for a := 0; a < 3; a++ {
		if math.Abs(p[a]-want[a]) > 1e-12 {
			t.Errorf("axis %d: expected %v, got %v", a, want[a], p[a])
		}
	}

	t.Run("flipped direction", func(t *testing.T) {
		gf := g
		gf.Direction[0][0] = -1
		p := gf.IndexToPhysical(2, 0, 0)
		if math.Abs(p[0]-(-9)) > 1e-12 {
			t.Errorf("expected x=-9 under flipped direction, got %v", p[0])
		}
	})
}

func TestGridPhysicalAffineRoundTrip(t *testing.T) {
	g := NewGrid([3]int{8, 9, 10}, [3]float64{1.5, 2, 0.5}, [3]float64{3, -7, 12})
	g.Direction = [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}

	m, tr, err := g.PhysicalAffine()
	if err != nil {
		t.Fatalf("PhysicalAffine failed: %v", err)
	}

	indices := [][3]float64{{0, 0, 0}, {1, 2, 3}, {7, 8, 9}, {2.5, 4.25, 0.75}}
	for _, idx := range indices {
		p := g.IndexToPhysical(idx[0], idx[1], idx[2])
		var back [3]float64
		for r := 0; r < 3; r++ {
			back[r] = m[r][0]*p[0] + m[r][1]*p[1] + m[r][2]*p[2] + tr[r]
		}
		for a := 0; a < 3; a++ {
			if math.Abs(back[a]-idx[a]) > 1e-9 {
				t.Errorf("index %v axis %d: round trip gave %v", idx, a, back[a])
			}
		}
	}
}

func TestGridPhysicalCenter(t *testing.T) {
	g := NewGrid([3]int{5, 5, 5}, [3]float64{2, 2, 2}, [3]float64{0, 0, 0})
	c := g.PhysicalCenter()
	for a := 0; a < 3; a++ {
		if math.Abs(c[a]-4) > 1e-12 {
			t.Errorf("axis %d: expected center 4, got %v", a, c[a])
		}
	}
}

func TestGridApproxEqual(t *testing.T) {
	g := NewGrid([3]int{4, 5, 6}, [3]float64{1, 1, 2}, [3]float64{0, 1, 2})

	tests := []struct {
		name   string
		mutate func(o *Grid)
		want   bool
	}{
		{"identical", func(o *Grid) {}, true},
		{"within epsilon", func(o *Grid) { o.Origin[0] += 1e-8 }, true},
		{"different dims", func(o *Grid) { o.Dims[2] = 7 }, false},
		{"spacing off", func(o *Grid) { o.Spacing[1] += 1e-3 }, false},
		{"origin off", func(o *Grid) { o.Origin[2] -= 0.5 }, false},
		{"direction off", func(o *Grid) { o.Direction[0][1] = 0.01 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := g
			tt.mutate(&o)
			if got := g.ApproxEqual(o, GridEpsilon); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestVolumeIndexing(t *testing.T) {
	g := NewGrid([3]int{3, 4, 5}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, err := NewVolume(g)
	if err != nil {
		t.Fatalf("NewVolume failed: %v", err)
	}
	if len(v.Data) != 60 {
		t.Fatalf("expected 60 voxels, got %d", len(v.Data))
	}

	// x-fastest layout: stepping x advances the flat index by 1
	if v.Idx(1, 0, 0)-v.Idx(0, 0, 0) != 1 {
		t.Error("x step should advance flat index by 1")
	}
	if v.Idx(0, 1, 0)-v.Idx(0, 0, 0) != 3 {
		t.Error("y step should advance flat index by Dims[0]")
	}
	if v.Idx(0, 0, 1)-v.Idx(0, 0, 0) != 12 {
		t.Error("z step should advance flat index by Dims[0]*Dims[1]")
	}

	v.SetAt(2, 3, 4, 7.5)
	if got := v.At(2, 3, 4); got != 7.5 {
		t.Errorf("expected 7.5, got %v", got)
	}
	if got := v.Data[len(v.Data)-1]; got != 7.5 {
		t.Errorf("voxel (2,3,4) should be the last flat element, got %v", got)
	}
}

func TestNewVolumeFromData(t *testing.T) {
	g := NewGrid([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})

	if _, err := NewVolumeFromData(g, make([]float64, 8)); err != nil {
		t.Errorf("expected success for matching length, got %v", err)
	}
	if _, err := NewVolumeFromData(g, make([]float64, 7)); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry for short data, got %v", err)
	}

	bad := g
	bad.Spacing[0] = 0
	if _, err := NewVolumeFromData(bad, make([]float64, 8)); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry for bad grid, got %v", err)
	}
}

func TestVolumeClone(t *testing.T) {
	g := NewGrid([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, _ := NewVolume(g)
	v.SetAt(0, 0, 0, 3)

	c := v.Clone()
	c.SetAt(0, 0, 0, 9)
	if v.At(0, 0, 0) != 3 {
		t.Error("mutating the clone changed the original")
	}
	if !v.Grid.Equal(c.Grid) {
		t.Error("clone grid differs from original")
	}
}

func TestVolumeMinMax(t *testing.T) {
	g := NewGrid([3]int{2, 2, 1}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, _ := NewVolumeFromData(g, []float64{3, -1, 7, 2})
	min, max := v.MinMax()
	if min != -1 || max != 7 {
		t.Errorf("expected min=-1 max=7, got min=%v max=%v", min, max)
	}
}

func TestVolumeEqualValues(t *testing.T) {
	g := NewGrid([3]int{2, 2, 1}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	a, _ := NewVolumeFromData(g, []float64{1, 2, 3, 4})
	b, _ := NewVolumeFromData(g, []float64{1, 2, 3, 4})

	if !a.EqualValues(b) {
		t.Error("identical volumes reported unequal")
	}

	b.Data[2] = 3.0000001
	if a.EqualValues(b) {
		t.Error("EqualValues must be exact, not approximate")
	}

	shifted := g
	shifted.Origin[0] = 1
	c, _ := NewVolumeFromData(shifted, []float64{1, 2, 3, 4})
	if a.EqualValues(c) {
		t.Error("volumes on different grids reported equal")
	}
}

func TestVolumeCenterOfMass(t *testing.T) {
	g := NewGrid([3]int{5, 5, 5}, [3]float64{2, 2, 2}, [3]float64{10, 0, 0})

	t.Run("single bright voxel", func(t *testing.T) {
		v, _ := NewVolume(g)
		v.SetAt(1, 2, 3, 100)
		com := v.CenterOfMass()
		want := g.IndexToPhysical(1, 2, 3)
		for a := 0; a < 3; a++ {
			if math.Abs(com[a]-want[a]) > 1e-9 {
				t.Errorf("axis %d: expected %v, got %v", a, want[a], com[a])
			}
		}
	})

	t.Run("empty volume falls back to grid center", func(t *testing.T) {
		v, _ := NewVolume(g)
		com := v.CenterOfMass()
		want := g.PhysicalCenter()
		for a := 0; a < 3; a++ {
			if math.Abs(com[a]-want[a]) > 1e-9 {
				t.Errorf("axis %d: expected %v, got %v", a, want[a], com[a])
			}
		}
	})

	t.Run("symmetric mass", func(t *testing.T) {
		v, _ := NewVolume(g)
		v.SetAt(0, 2, 2, 5)
		v.SetAt(4, 2, 2, 5)
		com := v.CenterOfMass()
		want := g.IndexToPhysical(2, 2, 2)
		for a := 0; a < 3; a++ {
			if math.Abs(com[a]-want[a]) > 1e-9 {
				t.Errorf("axis %d: expected %v, got %v", a, want[a], com[a])
			}
		}
	})
}

func TestVolumeDistinctValues(t *testing.T) {
	g := NewGrid([3]int{4, 1, 1}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, _ := NewVolumeFromData(g, []float64{2, 0, 2, 7})

	got := v.DistinctValues(10)
	want := []float64{2, 0, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}

	if capped := v.DistinctValues(2); len(capped) != 2 {
		t.Errorf("cap ignored: got %d values, want 2", len(capped))
	}
}

func TestGridPhysicalToIndex(t *testing.T) {
	g := NewGrid([3]int{10, 10, 10}, [3]float64{2, 3, 4}, [3]float64{-5, 0, 10})
	g.Direction = [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}

	want := [3]float64{1.5, 2, 3.25}
	p := g.IndexToPhysical(want[0], want[1], want[2])
	got, err := g.PhysicalToIndex(p)
	if err != nil {
		t.Fatal(err)
	}
	for a := 0; a < 3; a++ {
		if math.Abs(got[a]-want[a]) > 1e-9 {
			t.Errorf("axis %d: expected %v, got %v", a, want[a], got[a])
		}
	}

	t.Run("singular direction", func(t *testing.T) {
		bad := g
		bad.Direction[1] = [3]float64{0, 0, 0}
		if _, err := bad.PhysicalToIndex(p); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("expected ErrInvalidGeometry, got %v", err)
		}
	})
}
