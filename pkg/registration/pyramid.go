package registration

import (
	"fmt"
	"math"

	"mrideface/internal/models"
	"mrideface/pkg/resample"
)

// pyramidLevel holds one resolution step of the fixed/moving pair.
type pyramidLevel struct {
	shrink  int
	sigmaMM float64
	fixed   *models.Volume
	moving  *models.Volume
}

// buildPyramid produces the coarse-to-fine level sequence. Each level
// smooths both volumes with a Gaussian (sigma in mm) and shrinks their
// grids by an integer factor. Shrink 1 with zero sigma reuses the inputs
// untouched.
func buildPyramid(fixed, moving *models.Volume, shrinks []int, sigmasMM []float64) ([]pyramidLevel, error) {
	levels := make([]pyramidLevel, 0, len(shrinks))
	for i, shrink := range shrinks {
		if shrink < 1 {
			return nil, fmt.Errorf("registration: shrink factor %d at level %d", shrink, i)
		}
		sigma := sigmasMM[i]

		lf, err := buildLevelVolume(fixed, shrink, sigma)
		if err != nil {
			return nil, fmt.Errorf("registration: fixed pyramid level %d: %w", i, err)
		}
		lm, err := buildLevelVolume(moving, shrink, sigma)
		if err != nil {
			return nil, fmt.Errorf("registration: moving pyramid level %d: %w", i, err)
		}
		levels = append(levels, pyramidLevel{shrink: shrink, sigmaMM: sigma, fixed: lf, moving: lm})
	}
	return levels, nil
}

func buildLevelVolume(v *models.Volume, shrink int, sigmaMM float64) (*models.Volume, error) {
	smoothed := smoothGaussian(v, sigmaMM)
	if shrink == 1 {
		return smoothed, nil
	}
	return resample.Resample(smoothed, shrinkGrid(v.Grid, shrink), nil, resample.Linear)
}

// shrinkGrid divides each axis by the factor (at least one voxel), keeping
// the physical extent: spacing stretches to cover dim*spacing, and the
// origin shifts by half the spacing difference so voxel edges line up.
func shrinkGrid(grid models.Grid, factor int) models.Grid {
	out := grid
	var shift [3]float64
	for a := 0; a < 3; a++ {
		n := grid.Dims[a] / factor
		if n < 1 {
			n = 1
		}
		out.Dims[a] = n
		out.Spacing[a] = float64(grid.Dims[a]) * grid.Spacing[a] / float64(n)
		shift[a] = (out.Spacing[a] - grid.Spacing[a]) / 2
	}
	for r := 0; r < 3; r++ {
		out.Origin[r] = grid.Origin[r] +
			grid.Direction[r][0]*shift[0] + grid.Direction[r][1]*shift[1] + grid.Direction[r][2]*shift[2]
	}
	return out
}

// smoothGaussian separably convolves the volume with a Gaussian of the
// given physical width. Axes where the kernel would be narrower than a
// third of a voxel are left untouched; sigma <= 0 returns the input.
func smoothGaussian(v *models.Volume, sigmaMM float64) *models.Volume {
	if sigmaMM <= 0 {
		return v
	}
	nx, ny, nz := v.Grid.Dims[0], v.Grid.Dims[1], v.Grid.Dims[2]
	plane := nx * ny

	// Two scratch buffers ping-pong between axis passes; the input data is
	// only ever read.
	cur := v.Data
	var bufA, bufB []float64
	nextBuffer := func() []float64 {
		if bufA == nil {
			bufA = make([]float64, len(cur))
			return bufA
		}
		if &cur[0] != &bufA[0] {
			return bufA
		}
		if bufB == nil {
			bufB = make([]float64, len(cur))
		}
		return bufB
	}

	for axis := 0; axis < 3; axis++ {
		sigmaVox := sigmaMM / v.Grid.Spacing[axis]
		kernel := gaussianKernel(sigmaVox)
		if kernel == nil {
			continue
		}
		dst := nextBuffer()
		convolveAxis(cur, dst, [3]int{nx, ny, nz}, plane, axis, kernel)
		cur = dst
	}

	if &cur[0] == &v.Data[0] {
		return v
	}
	res, _ := models.NewVolumeFromData(v.Grid, cur)
	return res
}

// gaussianKernel returns normalized weights with radius 3 sigma, or nil if
// the width is negligible.
func gaussianKernel(sigmaVox float64) []float64 {
	if sigmaVox < 0.34 {
		return nil
	}
	radius := int(3*sigmaVox + 0.5)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigmaVox * sigmaVox))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis filters every line of src along one axis into dst with
// reflected borders.
func convolveAxis(src, dst []float64, dims [3]int, plane, axis int, kernel []float64) {
	radius := len(kernel) / 2
	n := dims[axis]
	var stride int
	switch axis {
	case 0:
		stride = 1
	case 1:
		stride = dims[0]
	default:
		stride = plane
	}

	// iterate over all lines perpendicular to the axis
	var outerN, innerN, outerStride, innerStride int
	switch axis {
	case 0:
		outerN, innerN = dims[2], dims[1]
		outerStride, innerStride = plane, dims[0]
	case 1:
		outerN, innerN = dims[2], dims[0]
		outerStride, innerStride = plane, 1
	default:
		outerN, innerN = dims[1], dims[0]
		outerStride, innerStride = dims[0], 1
	}

	for o := 0; o < outerN; o++ {
		for in := 0; in < innerN; in++ {
			base := o*outerStride + in*innerStride
			for i := 0; i < n; i++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					j := reflectIndex(i+k, n)
					acc += kernel[k+radius] * src[base+j*stride]
				}
				dst[base+i*stride] = acc
			}
		}
	}
}

// reflectIndex mirrors an index back into [0, n).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
