// Package composite blends two volumes under a per-voxel weight mask.
package composite

import (
	"fmt"

	"mrideface/internal/models"
)

// Blend combines base and replacement voxel by voxel:
//
//	out[v] = base[v]*weight[v] + replacement[v]*(1-weight[v])
//
// A weight of 1 keeps the base value, 0 takes the replacement, fractional
// weights blend linearly. All three volumes must share the same grid; a
// mismatch fails with models.ErrGridMismatch before any voxel is touched.
func Blend(base, replacement, weight *models.Volume) (*models.Volume, error) {
	if err := checkGrid("replacement", base.Grid, replacement.Grid); err != nil {
		return nil, err
	}
	if err := checkGrid("weight", base.Grid, weight.Grid); err != nil {
		return nil, err
	}

	out, err := models.NewVolume(base.Grid)
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		w := weight.Data[i]
		out.Data[i] = base.Data[i]*w + replacement.Data[i]*(1-w)
	}
	return out, nil
}

func checkGrid(name string, want, got models.Grid) error {
	if want.ApproxEqual(got, models.GridEpsilon) {
		return nil
	}
	return fmt.Errorf("%w: %s grid %v/%v differs from base grid %v/%v",
		models.ErrGridMismatch, name, got.Dims, got.Spacing, want.Dims, want.Spacing)
}
