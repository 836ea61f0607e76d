package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidGeometry indicates a volume whose dimensions, spacing or
	// orientation cannot define a physical coordinate mapping.
	ErrInvalidGeometry = errors.New("invalid volume geometry")

	// ErrGridMismatch indicates an operation that requires identical grids
	// received volumes on different grids.
	ErrGridMismatch = errors.New("volume grids do not match")
)

// GridEpsilon is the tolerance used when comparing grid geometry.
// Spacing, origin and direction values closer than this are considered equal.
const GridEpsilon = 1e-6

// Grid describes the sampling geometry of a volume: how many voxels it has
// along each axis and where each voxel sits in physical space.
// The mapping is physical = Origin + Direction * (index * Spacing).
type Grid struct {
	// Dims is the number of voxels along x, y, z
	Dims [3]int

	// Spacing is the physical size of each voxel in mm along x, y, z
	Spacing [3]float64

	// Origin is the physical position of voxel (0,0,0) in mm
	Origin [3]float64

	// Direction holds the axis direction cosines, one column per voxel axis
	Direction [3][3]float64
}

// IdentityDirection returns the axis-aligned direction matrix.
func IdentityDirection() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// NewGrid builds an axis-aligned grid at the given origin.
func NewGrid(dims [3]int, spacing [3]float64, origin [3]float64) Grid {
	return Grid{
		Dims:      dims,
		Spacing:   spacing,
		Origin:    origin,
		Direction: IdentityDirection(),
	}
}

// Validate checks that the grid defines an unambiguous voxel-to-physical
// mapping: positive dimensions, strictly positive finite spacing and a
// non-degenerate direction matrix.
func (g Grid) Validate() error {
	for a := 0; a < 3; a++ {
		if g.Dims[a] <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrInvalidGeometry, a, g.Dims[a])
		}
		if g.Spacing[a] <= 0 || math.IsNaN(g.Spacing[a]) || math.IsInf(g.Spacing[a], 0) {
			return fmt.Errorf("%w: spacing %d is %g", ErrInvalidGeometry, a, g.Spacing[a])
		}
	}
	if d := det3(g.Direction); math.Abs(d) < 1e-9 {
		return fmt.Errorf("%w: direction matrix is singular (det=%g)", ErrInvalidGeometry, d)
	}
	return nil
}

// NumVoxels returns the total voxel count.
func (g Grid) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// PhysicalExtent returns the edge length of the grid in mm along each axis
// (dimension times spacing).
func (g Grid) PhysicalExtent() [3]float64 {
	return [3]float64{
		float64(g.Dims[0]) * g.Spacing[0],
		float64(g.Dims[1]) * g.Spacing[1],
		float64(g.Dims[2]) * g.Spacing[2],
	}
}

// IndexToPhysical maps a (possibly fractional) voxel index to its physical
// position in mm.
func (g Grid) IndexToPhysical(x, y, z float64) [3]float64 {
	sx := x * g.Spacing[0]
	sy := y * g.Spacing[1]
	sz := z * g.Spacing[2]
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = g.Origin[r] + g.Direction[r][0]*sx + g.Direction[r][1]*sy + g.Direction[r][2]*sz
	}
	return p
}

// IndexAffine returns the voxel-index-to-physical mapping as a 3x3 matrix
// plus translation, i.e. physical = m*index + t.
func (g Grid) IndexAffine() (m [3][3]float64, t [3]float64) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] = g.Direction[r][c] * g.Spacing[c]
		}
	}
	return m, g.Origin
}

// PhysicalAffine returns the inverse mapping, physical-to-voxel-index:
// index = m*physical + t. It fails if the direction matrix is singular.
func (g Grid) PhysicalAffine() (m [3][3]float64, t [3]float64, err error) {
	fwd, _ := g.IndexAffine()
	inv, err := invert3(fwd)
	if err != nil {
		return m, t, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	// index = inv*(physical - origin)
	for r := 0; r < 3; r++ {
		t[r] = -(inv[r][0]*g.Origin[0] + inv[r][1]*g.Origin[1] + inv[r][2]*g.Origin[2])
	}
	return inv, t, nil
}

// PhysicalToIndex maps a physical position to its (possibly fractional)
// voxel index. It fails if the direction matrix is singular.
func (g Grid) PhysicalToIndex(p [3]float64) ([3]float64, error) {
	m, t, err := g.PhysicalAffine()
	if err != nil {
		return [3]float64{}, err
	}
	var idx [3]float64
	for r := 0; r < 3; r++ {
		idx[r] = m[r][0]*p[0] + m[r][1]*p[1] + m[r][2]*p[2] + t[r]
	}
	return idx, nil
}

// PhysicalCenter returns the physical position of the grid's center,
// halfway along each axis in index space.
func (g Grid) PhysicalCenter() [3]float64 {
	return g.IndexToPhysical(
		float64(g.Dims[0]-1)/2,
		float64(g.Dims[1]-1)/2,
		float64(g.Dims[2]-1)/2,
	)
}

// Equal reports whether two grids are identical: same dimensions and all
// geometry fields bitwise equal.
func (g Grid) Equal(o Grid) bool {
	return g.ApproxEqual(o, 0)
}

// ApproxEqual reports whether two grids match within eps: dimensions must be
// identical, spacing/origin/direction may differ by at most eps per entry.
func (g Grid) ApproxEqual(o Grid, eps float64) bool {
	if g.Dims != o.Dims {
		return false
	}
	for a := 0; a < 3; a++ {
		if math.Abs(g.Spacing[a]-o.Spacing[a]) > eps {
			return false
		}
		if math.Abs(g.Origin[a]-o.Origin[a]) > eps {
			return false
		}
		for b := 0; b < 3; b++ {
			if math.Abs(g.Direction[a][b]-o.Direction[a][b]) > eps {
				return false
			}
		}
	}
	return true
}

// Volume is an in-memory 3D scalar image. Data is stored x-fastest, so the
// voxel at (x,y,z) lives at index z*Dims[0]*Dims[1] + y*Dims[0] + x.
// Volumes are treated as immutable once built: pipeline operations return
// new Volumes rather than modifying their inputs.
type Volume struct {
	// Grid is the sampling geometry this volume is defined on
	Grid Grid

	// Data holds the voxel intensities in x-fastest order
	Data []float64
}

// NewVolume allocates a zero-filled volume on the given grid.
func NewVolume(grid Grid) (*Volume, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	return &Volume{Grid: grid, Data: make([]float64, grid.NumVoxels())}, nil
}

// NewVolumeFromData wraps existing voxel data. The slice length must match
// the grid's voxel count.
func NewVolumeFromData(grid Grid, data []float64) (*Volume, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if len(data) != grid.NumVoxels() {
		return nil, fmt.Errorf("%w: data length %d does not match %dx%dx%d grid",
			ErrInvalidGeometry, len(data), grid.Dims[0], grid.Dims[1], grid.Dims[2])
	}
	return &Volume{Grid: grid, Data: data}, nil
}

// Idx returns the flat data index of voxel (x,y,z). No bounds check.
func (v *Volume) Idx(x, y, z int) int {
	return z*v.Grid.Dims[0]*v.Grid.Dims[1] + y*v.Grid.Dims[0] + x
}

// At returns the intensity at voxel (x,y,z). No bounds check.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Idx(x, y, z)]
}

// SetAt stores an intensity at voxel (x,y,z). No bounds check. Intended for
// construction only; built volumes are not mutated.
func (v *Volume) SetAt(x, y, z int, value float64) {
	v.Data[v.Idx(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Grid: v.Grid, Data: data}
}

// MinMax returns the smallest and largest intensity in the volume.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, val := range v.Data[1:] {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// EqualValues reports whether two volumes share the same grid and have
// bitwise identical voxel data.
func (v *Volume) EqualValues(o *Volume) bool {
	if !v.Grid.Equal(o.Grid) || len(v.Data) != len(o.Data) {
		return false
	}
	for i, val := range v.Data {
		if val != o.Data[i] {
			return false
		}
	}
	return true
}

// DistinctValues returns the distinct intensities present in scan order,
// capped at limit entries. Useful for checking categorical volumes such as
// masks or voxelated blocks without collecting millions of values.
func (v *Volume) DistinctValues(limit int) []float64 {
	seen := make(map[float64]struct{}, limit)
	out := make([]float64, 0, limit)
	for _, val := range v.Data {
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// CenterOfMass returns the intensity-weighted centroid in physical
// coordinates. Negative intensities are clamped to zero for the weighting.
// If the volume carries no mass the grid center is returned.
func (v *Volume) CenterOfMass() [3]float64 {
	nx, ny, nz := v.Grid.Dims[0], v.Grid.Dims[1], v.Grid.Dims[2]
	var sum, cx, cy, cz float64
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				w := v.Data[i]
				i++
				if w <= 0 {
					continue
				}
				sum += w
				cx += w * float64(x)
				cy += w * float64(y)
				cz += w * float64(z)
			}
		}
	}
	if sum == 0 {
		return v.Grid.PhysicalCenter()
	}
	return v.Grid.IndexToPhysical(cx/sum, cy/sum, cz/sum)
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// invert3 inverts a 3x3 matrix using gonum.
func invert3(m [3][3]float64) ([3][3]float64, error) {
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return [3][3]float64{}, fmt.Errorf("matrix not invertible: %v", err)
	}
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = inv.At(r, c)
		}
	}
	return out, nil
}
