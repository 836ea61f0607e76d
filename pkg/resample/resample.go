// Package resample maps volumes onto new sampling grids.
//
// Resampling walks the target grid; each output voxel is mapped backward
// into the source volume's physical space and sampled there with the chosen
// interpolation kernel. The mapping and the kernels are pure functions of
// the immutable inputs, so output voxels are computed in parallel without
// affecting the result.
package resample

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"mrideface/internal/models"
)

// Interpolation selects the sampling kernel.
type Interpolation int

const (
	// NearestNeighbor picks the closest source voxel. Required for
	// categorical data such as masks: values pass through unchanged.
	NearestNeighbor Interpolation = iota

	// Linear blends the 8 surrounding voxels (trilinear).
	Linear

	// CubicSpline samples an order-3 B-spline fitted through the source
	// voxels. Smoothest of the three; used for intensity downsampling.
	CubicSpline
)

func (i Interpolation) String() string {
	switch i {
	case NearestNeighbor:
		return "nearest"
	case Linear:
		return "linear"
	case CubicSpline:
		return "bspline"
	default:
		return fmt.Sprintf("interpolation(%d)", int(i))
	}
}

// boundsEps absorbs floating point drift at the volume border so that
// points computed to sit exactly on the last voxel are not dropped.
const boundsEps = 1e-9

type options struct {
	background float64
	workers    int
}

// Option adjusts resampling behavior.
type Option func(*options)

// WithBackground sets the value written for target voxels that map outside
// the source volume. Default 0.
func WithBackground(v float64) Option {
	return func(o *options) { o.background = v }
}

// WithParallel caps the number of goroutines used for the output voxel
// loop. Default is the machine's CPU count. Worker count never changes
// results.
func WithParallel(n int) Option {
	return func(o *options) { o.workers = n }
}

// Resample produces a new volume on the target grid by sampling src through
// transform. The transform maps the source volume's physical space into the
// target grid's physical space (the registration convention); passing nil
// uses the identity. Out-of-extent samples receive the background value.
func Resample(src *models.Volume, target models.Grid, transform *models.AffineTransform, interp Interpolation, opts ...Option) (*models.Volume, error) {
	if src == nil {
		return nil, fmt.Errorf("resample: source volume is nil")
	}
	if err := src.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("resample source: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("resample target: %w", err)
	}

	o := options{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}

	total, err := indexMapping(src.Grid, target, transform)
	if err != nil {
		return nil, err
	}

	out, err := models.NewVolume(target)
	if err != nil {
		return nil, err
	}

	sample, err := newSampler(src, interp, o.background)
	if err != nil {
		return nil, err
	}

	fillParallel(out, o.workers, func(x, y, z int) float64 {
		p := total.Apply([3]float64{float64(x), float64(y), float64(z)})
		return sample(p[0], p[1], p[2])
	})
	return out, nil
}

// PointSampler returns a function evaluating the volume at arbitrary
// physical coordinates with the given kernel, returning background outside
// the extent. The closure is safe for concurrent use.
func PointSampler(v *models.Volume, interp Interpolation, background float64) (func(p [3]float64) float64, error) {
	if v == nil {
		return nil, fmt.Errorf("resample: volume is nil")
	}
	sample, err := newSampler(v, interp, background)
	if err != nil {
		return nil, err
	}
	m, t, err := v.Grid.PhysicalAffine()
	if err != nil {
		return nil, err
	}
	return func(p [3]float64) float64 {
		x := m[0][0]*p[0] + m[0][1]*p[1] + m[0][2]*p[2] + t[0]
		y := m[1][0]*p[0] + m[1][1]*p[1] + m[1][2]*p[2] + t[1]
		z := m[2][0]*p[0] + m[2][1]*p[1] + m[2][2]*p[2] + t[2]
		return sample(x, y, z)
	}, nil
}

// indexMapping composes target-index -> target-physical -> source-physical
// -> source-index into a single affine map.
func indexMapping(source, target models.Grid, transform *models.AffineTransform) (models.AffineTransform, error) {
	tm, tt := target.IndexAffine()
	targetToPhys := models.AffineTransform{Linear: tm, Translation: tt}

	physToSource := models.IdentityTransform()
	if transform != nil {
		inv, err := transform.Inverse()
		if err != nil {
			return models.AffineTransform{}, fmt.Errorf("resample: %w", err)
		}
		physToSource = inv
	}

	sm, st, err := source.PhysicalAffine()
	if err != nil {
		return models.AffineTransform{}, fmt.Errorf("resample source: %w", err)
	}
	physToSourceIdx := models.AffineTransform{Linear: sm, Translation: st}

	return physToSourceIdx.Compose(physToSource).Compose(targetToPhys), nil
}

// newSampler returns a kernel closure evaluating the source at a continuous
// voxel index, with background fill outside the extent.
func newSampler(src *models.Volume, interp Interpolation, background float64) (func(x, y, z float64) float64, error) {
	nx, ny, nz := src.Grid.Dims[0], src.Grid.Dims[1], src.Grid.Dims[2]

	switch interp {
	case NearestNeighbor:
		return func(x, y, z float64) float64 {
			xi := int(math.Round(x))
			yi := int(math.Round(y))
			zi := int(math.Round(z))
			if xi < 0 || yi < 0 || zi < 0 || xi >= nx || yi >= ny || zi >= nz {
				return background
			}
			return src.Data[zi*nx*ny+yi*nx+xi]
		}, nil

	case Linear:
		return func(x, y, z float64) float64 {
			x, okx := clampExtent(x, nx)
			y, oky := clampExtent(y, ny)
			z, okz := clampExtent(z, nz)
			if !okx || !oky || !okz {
				return background
			}
			x0, fx := splitIndex(x, nx)
			y0, fy := splitIndex(y, ny)
			z0, fz := splitIndex(z, nz)

			x1, y1, z1 := minInt(x0+1, nx-1), minInt(y0+1, ny-1), minInt(z0+1, nz-1)
			plane := nx * ny

			c000 := src.Data[z0*plane+y0*nx+x0]
			c100 := src.Data[z0*plane+y0*nx+x1]
			c010 := src.Data[z0*plane+y1*nx+x0]
			c110 := src.Data[z0*plane+y1*nx+x1]
			c001 := src.Data[z1*plane+y0*nx+x0]
			c101 := src.Data[z1*plane+y0*nx+x1]
			c011 := src.Data[z1*plane+y1*nx+x0]
			c111 := src.Data[z1*plane+y1*nx+x1]

			c00 := c000*(1-fx) + c100*fx
			c10 := c010*(1-fx) + c110*fx
			c01 := c001*(1-fx) + c101*fx
			c11 := c011*(1-fx) + c111*fx
			c0 := c00*(1-fy) + c10*fy
			c1 := c01*(1-fy) + c11*fy
			return c0*(1-fz) + c1*fz
		}, nil

	case CubicSpline:
		coeffs := prefilterCubic(src)
		return func(x, y, z float64) float64 {
			x, okx := clampExtent(x, nx)
			y, oky := clampExtent(y, ny)
			z, okz := clampExtent(z, nz)
			if !okx || !oky || !okz {
				return background
			}
			return sampleCubic(coeffs, src.Grid.Dims, x, y, z)
		}, nil

	default:
		return nil, fmt.Errorf("resample: unknown interpolation %d", int(interp))
	}
}

// clampExtent checks that a continuous index lies inside [0, n-1], snapping
// values within boundsEps of the border onto it.
func clampExtent(v float64, n int) (float64, bool) {
	limit := float64(n - 1)
	if v < 0 {
		if v > -boundsEps {
			return 0, true
		}
		return v, false
	}
	if v > limit {
		if v < limit+boundsEps {
			return limit, true
		}
		return v, false
	}
	return v, true
}

// splitIndex splits a continuous in-range index into cell origin and
// fraction, keeping the origin one short of the last voxel so the +1
// neighbor stays valid.
func splitIndex(v float64, n int) (int, float64) {
	if n == 1 {
		return 0, 0
	}
	i := int(math.Floor(v))
	if i > n-2 {
		i = n - 2
	}
	return i, v - float64(i)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fillParallel computes every output voxel with eval, splitting the z range
// across workers. Slabs are disjoint, so no synchronization beyond the
// final wait is needed.
func fillParallel(out *models.Volume, workers int, eval func(x, y, z int) float64) {
	nx, ny, nz := out.Grid.Dims[0], out.Grid.Dims[1], out.Grid.Dims[2]
	if workers > nz {
		workers = nz
	}

	fillRange := func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			row := z * nx * ny
			for y := 0; y < ny; y++ {
				base := row + y*nx
				for x := 0; x < nx; x++ {
					out.Data[base+x] = eval(x, y, z)
				}
			}
		}
	}

	if workers <= 1 {
		fillRange(0, nz)
		return
	}

	var wg sync.WaitGroup
	chunk := (nz + workers - 1) / workers
	for z0 := 0; z0 < nz; z0 += chunk {
		z1 := z0 + chunk
		if z1 > nz {
			z1 = nz
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			fillRange(z0, z1)
		}(z0, z1)
	}
	wg.Wait()
}
