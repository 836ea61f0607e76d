package models

import (
	"fmt"
	"strings"
)

// AffineTransform maps physical coordinates in the moving (template) space
// to physical coordinates in the fixed (subject) space:
// fixed = Linear*moving + Translation.
// A transform is produced once by registration and then only read.
type AffineTransform struct {
	// Linear is the 3x3 linear part (rotation, scale, shear)
	Linear [3][3]float64

	// Translation is the offset in mm
	Translation [3]float64
}

// IdentityTransform returns the transform that maps every point to itself.
func IdentityTransform() AffineTransform {
	return AffineTransform{Linear: IdentityDirection()}
}

// Apply maps a point from moving space to fixed space.
func (t AffineTransform) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = t.Linear[r][0]*p[0] + t.Linear[r][1]*p[1] + t.Linear[r][2]*p[2] + t.Translation[r]
	}
	return out
}

// Inverse returns the fixed-to-moving transform. It fails if the linear
// part is singular.
func (t AffineTransform) Inverse() (AffineTransform, error) {
	inv, err := invert3(t.Linear)
	if err != nil {
		return AffineTransform{}, fmt.Errorf("transform has no inverse: %w", err)
	}
	var out AffineTransform
	out.Linear = inv
	for r := 0; r < 3; r++ {
		out.Translation[r] = -(inv[r][0]*t.Translation[0] + inv[r][1]*t.Translation[1] + inv[r][2]*t.Translation[2])
	}
	return out, nil
}

// Compose returns the transform equivalent to applying o first, then t.
func (t AffineTransform) Compose(o AffineTransform) AffineTransform {
	var out AffineTransform
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Linear[r][c] = t.Linear[r][0]*o.Linear[0][c] + t.Linear[r][1]*o.Linear[1][c] + t.Linear[r][2]*o.Linear[2][c]
		}
		out.Translation[r] = t.Linear[r][0]*o.Translation[0] + t.Linear[r][1]*o.Translation[1] + t.Linear[r][2]*o.Translation[2] + t.Translation[r]
	}
	return out
}

// String renders the transform as a 3x4 matrix, one row per line.
func (t AffineTransform) String() string {
	var b strings.Builder
	for r := 0; r < 3; r++ {
		fmt.Fprintf(&b, "[% .4f % .4f % .4f | % .3f]",
			t.Linear[r][0], t.Linear[r][1], t.Linear[r][2], t.Translation[r])
		if r < 2 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
