// Package voxelate degrades a volume's resolution by resampling it onto a
// coarse grid and back, leaving blocky, piecewise-constant intensities that
// destroy fine anatomical detail while keeping gross shape and contrast.
package voxelate

import (
	"fmt"

	"mrideface/internal/models"
	"mrideface/pkg/resample"
)

// CoarseDims returns the voxel counts of the downsampling grid: per axis,
// the source extent divided into cubes of roughly voxelSizeMm edge length,
// never fewer than one voxel.
func CoarseDims(grid models.Grid, voxelSizeMm float64) [3]int {
	var dims [3]int
	for a := 0; a < 3; a++ {
		n := int(float64(grid.Dims[a])*grid.Spacing[a]/voxelSizeMm + 0.5)
		if n < 1 {
			n = 1
		}
		dims[a] = n
	}
	return dims
}

// coarseGrid covers the same physical extent as the source with CoarseDims
// voxels: the spacing stretches so dim*spacing is preserved per axis, and
// the origin shifts by half the spacing difference so the voxel-edge
// extents of the two grids coincide. Direction is untouched.
func coarseGrid(grid models.Grid, voxelSizeMm float64) models.Grid {
	dims := CoarseDims(grid, voxelSizeMm)
	coarse := grid
	coarse.Dims = dims

	var shift [3]float64
	for a := 0; a < 3; a++ {
		coarse.Spacing[a] = float64(grid.Dims[a]) * grid.Spacing[a] / float64(dims[a])
		shift[a] = (coarse.Spacing[a] - grid.Spacing[a]) / 2
	}
	for r := 0; r < 3; r++ {
		coarse.Origin[r] = grid.Origin[r] +
			grid.Direction[r][0]*shift[0] + grid.Direction[r][1]*shift[1] + grid.Direction[r][2]*shift[2]
	}
	return coarse
}

// Voxelate returns a copy of src whose intensities are constant over blocks
// approximating voxelSizeMm-sized cubes. The round trip runs a smooth
// B-spline downsample onto the coarse grid, then a nearest-neighbor
// upsample back onto the original grid, so the output grid always equals
// the source grid exactly.
//
// A voxelSizeMm at or below the source spacing degrades to a near no-op;
// that is acceptable behavior, not an error.
func Voxelate(src *models.Volume, voxelSizeMm float64, opts ...resample.Option) (*models.Volume, error) {
	if voxelSizeMm <= 0 {
		return nil, fmt.Errorf("voxelate: voxel size must be positive, got %g", voxelSizeMm)
	}
	if err := src.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("voxelate: %w", err)
	}

	coarse, err := resample.Resample(src, coarseGrid(src.Grid, voxelSizeMm), nil, resample.CubicSpline, opts...)
	if err != nil {
		return nil, fmt.Errorf("voxelate downsample: %w", err)
	}

	out, err := resample.Resample(coarse, src.Grid, nil, resample.NearestNeighbor, opts...)
	if err != nil {
		return nil, fmt.Errorf("voxelate upsample: %w", err)
	}
	return out, nil
}
