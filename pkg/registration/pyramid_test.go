package registration

import (
	"math"
	"testing"

	"mrideface/internal/models"
)

func TestShrinkGridPreservesExtent(t *testing.T) {
	grid := models.NewGrid([3]int{16, 10, 8}, [3]float64{1, 2, 3}, [3]float64{5, 6, 7})

	got := shrinkGrid(grid, 2)
	if got.Dims != [3]int{8, 5, 4} {
		t.Fatalf("dims = %v, want {8 5 4}", got.Dims)
	}
	if got.Spacing != [3]float64{2, 4, 6} {
		t.Errorf("spacing = %v, want {2 4 6}", got.Spacing)
	}

	wantExtent := grid.PhysicalExtent()
	gotExtent := got.PhysicalExtent()
	for a := 0; a < 3; a++ {
		if math.Abs(gotExtent[a]-wantExtent[a]) > 1e-12 {
			t.Errorf("extent[%d] = %v, want %v", a, gotExtent[a], wantExtent[a])
		}
	}

	// Centers shift by half the spacing growth so voxel edges stay put.
	if got.Origin != [3]float64{5.5, 7, 8.5} {
		t.Errorf("origin = %v, want {5.5 7 8.5}", got.Origin)
	}
}

func TestShrinkGridClampsToOneVoxel(t *testing.T) {
	grid := models.NewGrid([3]int{2, 16, 16}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	got := shrinkGrid(grid, 4)
	if got.Dims[0] != 1 {
		t.Errorf("dims[0] = %d, want 1", got.Dims[0])
	}
	if got.Spacing[0] != 2 {
		t.Errorf("spacing[0] = %v, want 2", got.Spacing[0])
	}
}

func TestBuildPyramid(t *testing.T) {
	grid := models.NewGrid([3]int{16, 16, 16}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	fixed, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}
	moving, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}
	for i := range fixed.Data {
		fixed.Data[i] = float64(i % 97)
		moving.Data[i] = float64(i % 89)
	}

	levels, err := buildPyramid(fixed, moving, []int{4, 2, 1}, []float64{2, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}

	wantDims := [][3]int{{4, 4, 4}, {8, 8, 8}, {16, 16, 16}}
	for i, level := range levels {
		if level.fixed.Grid.Dims != wantDims[i] {
			t.Errorf("level %d fixed dims = %v, want %v", i, level.fixed.Grid.Dims, wantDims[i])
		}
		if level.moving.Grid.Dims != wantDims[i] {
			t.Errorf("level %d moving dims = %v, want %v", i, level.moving.Grid.Dims, wantDims[i])
		}
	}

	// The finest level with no smoothing passes the inputs through intact.
	if !levels[2].fixed.EqualValues(fixed) {
		t.Error("finest fixed level differs from the input volume")
	}
	if !levels[2].moving.EqualValues(moving) {
		t.Error("finest moving level differs from the input volume")
	}
}

func TestBuildPyramidRejectsBadShrink(t *testing.T) {
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := buildPyramid(v, v, []int{0}, []float64{0}); err == nil {
		t.Error("expected an error for shrink factor 0")
	}
}

func TestSmoothGaussianConstant(t *testing.T) {
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}
	for i := range v.Data {
		v.Data[i] = 5
	}

	got := smoothGaussian(v, 2)
	for i, val := range got.Data {
		if math.Abs(val-5) > 1e-12 {
			t.Fatalf("voxel %d = %v, want 5", i, val)
		}
	}
}

func TestSmoothGaussianSpike(t *testing.T) {
	grid := models.NewGrid([3]int{15, 15, 15}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}
	v.SetAt(7, 7, 7, 1)

	got := smoothGaussian(v, 1)

	// The original volume is left untouched.
	if v.At(7, 7, 7) != 1 || v.At(7, 7, 6) != 0 {
		t.Fatal("smoothing modified its input")
	}

	peak := got.At(7, 7, 7)
	if peak >= 1 || peak <= 0 {
		t.Errorf("peak = %v, want in (0, 1)", peak)
	}
	for z := 0; z < 15; z++ {
		for y := 0; y < 15; y++ {
			for x := 0; x < 15; x++ {
				if got.At(x, y, z) > peak {
					t.Fatalf("voxel (%d,%d,%d) = %v exceeds the center %v", x, y, z, got.At(x, y, z), peak)
				}
			}
		}
	}

	// Mass is conserved while the kernel support stays interior.
	var sum float64
	for _, val := range got.Data {
		sum += val
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("total mass = %v, want 1", sum)
	}

	if math.Abs(got.At(6, 7, 7)-got.At(8, 7, 7)) > 1e-12 {
		t.Errorf("asymmetric spread: %v vs %v", got.At(6, 7, 7), got.At(8, 7, 7))
	}
}

func TestSmoothGaussianNoOp(t *testing.T) {
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	v, err := models.NewVolume(grid)
	if err != nil {
		t.Fatal(err)
	}

	if got := smoothGaussian(v, 0); got != v {
		t.Error("sigma 0 should return the input volume")
	}
	// Below a third of a voxel the kernel degenerates on every axis.
	if got := smoothGaussian(v, 0.3); got != v {
		t.Error("negligible sigma should return the input volume")
	}
}

func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(1)
	if len(k) != 7 {
		t.Fatalf("len = %d, want 7", len(k))
	}
	var sum float64
	for _, w := range k {
		sum += w
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("sum = %v, want 1", sum)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(k[i]-k[6-i]) > 1e-15 {
			t.Errorf("kernel asymmetric at %d: %v vs %v", i, k[i], k[6-i])
		}
	}
	if k[3] <= k[2] {
		t.Errorf("center %v not the maximum (neighbor %v)", k[3], k[2])
	}

	if gaussianKernel(0.2) != nil {
		t.Error("expected nil kernel for negligible sigma")
	}
}

func TestReflectIndex(t *testing.T) {
	tests := []struct {
		i, n, want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{8, 5, 0},
		{-5, 5, 3},
		{3, 1, 0},
	}
	for _, tt := range tests {
		if got := reflectIndex(tt.i, tt.n); got != tt.want {
			t.Errorf("reflectIndex(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}
