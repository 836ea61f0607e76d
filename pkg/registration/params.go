package registration

import (
	"fmt"
	"math"
	"strings"

	"mrideface/internal/models"
)

// Model selects the degrees of freedom the optimizer may exercise.
type Model int

const (
	// ModelAffine frees all 12 parameters: translation, rotation, scale
	// and shear.
	ModelAffine Model = iota

	// ModelRigidScale frees translation, rotation and per-axis scale (9).
	ModelRigidScale

	// ModelRigid frees translation and rotation only (6).
	ModelRigid
)

func (m Model) String() string {
	switch m {
	case ModelAffine:
		return "affine"
	case ModelRigidScale:
		return "rigid+scale"
	case ModelRigid:
		return "rigid"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel maps a configuration string onto a Model.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "affine":
		return ModelAffine, nil
	case "rigid+scale", "rigid-scale", "rigidscale", "similarity":
		return ModelRigidScale, nil
	case "rigid":
		return ModelRigid, nil
	default:
		return ModelAffine, fmt.Errorf("unknown transform model %q", s)
	}
}

// Parameter vector layout. Translations are mm, rotations radians, scales
// are offsets from 1, shears dimensionless.
const (
	pTx = iota
	pTy
	pTz
	pRx
	pRy
	pRz
	pSx
	pSy
	pSz
	pKxy
	pKxz
	pKyz
	numParams
)

// paramScales puts one optimizer step of comparable effect behind each
// parameter kind: the optimizer works on normalized values and these
// factors convert its steps back into physical units.
var paramScales = [numParams]float64{
	25, 25, 25, // translation, mm
	0.25, 0.25, 0.25, // rotation, rad
	0.5, 0.5, 0.5, // scale offset
	0.25, 0.25, 0.25, // shear
}

// freeIndices returns which parameters the model optimizes.
func freeIndices(m Model) []int {
	switch m {
	case ModelRigid:
		return []int{pTx, pTy, pTz, pRx, pRy, pRz}
	case ModelRigidScale:
		return []int{pTx, pTy, pTz, pRx, pRy, pRz, pSx, pSy, pSz}
	default:
		return []int{pTx, pTy, pTz, pRx, pRy, pRz, pSx, pSy, pSz, pKxy, pKxz, pKyz}
	}
}

// buildTransform assembles the affine map for a parameter vector, rotating
// and scaling about the given physical center:
//
//	out(p) = L*(p - center) + center + translation
//
// with L = Rz*Ry*Rx * diag(1+s) * shear.
func buildTransform(p [numParams]float64, center [3]float64) models.AffineTransform {
	sinX, cosX := math.Sincos(p[pRx])
	sinY, cosY := math.Sincos(p[pRy])
	sinZ, cosZ := math.Sincos(p[pRz])

	rx := [3][3]float64{{1, 0, 0}, {0, cosX, -sinX}, {0, sinX, cosX}}
	ry := [3][3]float64{{cosY, 0, sinY}, {0, 1, 0}, {-sinY, 0, cosY}}
	rz := [3][3]float64{{cosZ, -sinZ, 0}, {sinZ, cosZ, 0}, {0, 0, 1}}
	rot := mat3Product(rz, mat3Product(ry, rx))

	scale := [3][3]float64{
		{1 + p[pSx], 0, 0},
		{0, 1 + p[pSy], 0},
		{0, 0, 1 + p[pSz]},
	}
	shear := [3][3]float64{
		{1, p[pKxy], p[pKxz]},
		{0, 1, p[pKyz]},
		{0, 0, 1},
	}
	linear := mat3Product(rot, mat3Product(scale, shear))

	var tr models.AffineTransform
	tr.Linear = linear
	for r := 0; r < 3; r++ {
		lc := linear[r][0]*center[0] + linear[r][1]*center[1] + linear[r][2]*center[2]
		tr.Translation[r] = center[r] + p[pTx+r] - lc
	}
	return tr
}

func mat3Product(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = a[r][0]*b[0][c] + a[r][1]*b[1][c] + a[r][2]*b[2][c]
		}
	}
	return out
}
