// Package qc renders quality-control snapshots of defaced volumes. A
// snapshot is a tri-planar montage of the mid-sagittal, mid-coronal and
// mid-axial slices, window-leveled and scaled to physical proportions, so
// a reviewer can confirm the face is gone without opening a viewer.
package qc

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"mrideface/internal/models"
)

// montageGutter is the pixel gap between panes.
const montageGutter = 8

// Renderer extracts presentation slices from a volume. The intensity
// window is fixed at construction so every slice of one volume shares the
// same mapping.
type Renderer struct {
	vol *models.Volume

	// window low/high intensities mapped to black/white
	lo, hi float64
}

// NewRenderer prepares a renderer with a robust intensity window (1st to
// 99th percentile), which keeps a handful of hot voxels from washing out
// the brain.
func NewRenderer(v *models.Volume) *Renderer {
	sorted := make([]float64, len(v.Data))
	copy(sorted, v.Data)
	sort.Float64s(sorted)

	lo := stat.Quantile(0.01, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.99, stat.Empirical, sorted, nil)
	if hi <= lo {
		lo, hi = v.MinMax()
	}
	return &Renderer{vol: v, lo: lo, hi: hi}
}

func (r *Renderer) gray(value float64) color.Gray16 {
	if r.hi <= r.lo {
		return color.Gray16{}
	}
	n := (value - r.lo) / (r.hi - r.lo)
	v := uint16(math.Max(0, math.Min(65535, n*65535)))
	return color.Gray16{Y: v}
}

// Slice renders one orthogonal plane at the given voxel position. Axis "x"
// is sagittal (in-plane y/z), "y" coronal (x/z) and "z" axial (x/y). The
// image is scaled so pixels reflect the voxel spacing of the plane.
func (r *Renderer) Slice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("slice position must be non-negative, got %d", position)
	}
	dims := r.vol.Grid.Dims
	spacing := r.vol.Grid.Spacing

	var img *image.Gray16
	var colMM, rowMM float64

	switch axis {
	case "x", "X":
		if position >= dims[0] {
			return nil, fmt.Errorf("slice position %d exceeds x dimension %d", position, dims[0])
		}
		img = image.NewGray16(image.Rect(0, 0, dims[1], dims[2]))
		colMM, rowMM = spacing[1], spacing[2]
		for z := 0; z < dims[2]; z++ {
			for y := 0; y < dims[1]; y++ {
				img.SetGray16(y, dims[2]-1-z, r.gray(r.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= dims[1] {
			return nil, fmt.Errorf("slice position %d exceeds y dimension %d", position, dims[1])
		}
		img = image.NewGray16(image.Rect(0, 0, dims[0], dims[2]))
		colMM, rowMM = spacing[0], spacing[2]
		for z := 0; z < dims[2]; z++ {
			for x := 0; x < dims[0]; x++ {
				img.SetGray16(x, dims[2]-1-z, r.gray(r.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= dims[2] {
			return nil, fmt.Errorf("slice position %d exceeds z dimension %d", position, dims[2])
		}
		img = image.NewGray16(image.Rect(0, 0, dims[0], dims[1]))
		colMM, rowMM = spacing[0], spacing[1]
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				img.SetGray16(x, dims[1]-1-y, r.gray(r.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return scaleToSpacing(img, colMM, rowMM), nil
}

// scaleToSpacing stretches a slice so both pixel axes cover the same
// physical distance; anisotropic acquisitions would otherwise look
// squashed.
func scaleToSpacing(img *image.Gray16, colMM, rowMM float64) image.Image {
	if colMM <= 0 || rowMM <= 0 || colMM == rowMM {
		return img
	}
	unit := math.Min(colMM, rowMM)
	w := int(math.Round(float64(img.Bounds().Dx()) * colMM / unit))
	h := int(math.Round(float64(img.Bounds().Dy()) * rowMM / unit))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Montage renders the three mid-volume planes side by side on a black
// canvas: sagittal, coronal, axial.
func (r *Renderer) Montage() (image.Image, error) {
	dims := r.vol.Grid.Dims
	panes := make([]image.Image, 0, 3)
	for _, cut := range []struct {
		axis string
		pos  int
	}{
		{"x", dims[0] / 2},
		{"y", dims[1] / 2},
		{"z", dims[2] / 2},
	} {
		img, err := r.Slice(cut.axis, cut.pos)
		if err != nil {
			return nil, err
		}
		panes = append(panes, img)
	}

	width := montageGutter * (len(panes) + 1)
	height := 0
	for _, p := range panes {
		width += p.Bounds().Dx()
		if p.Bounds().Dy() > height {
			height = p.Bounds().Dy()
		}
	}
	height += 2 * montageGutter

	canvas := image.NewGray16(image.Rect(0, 0, width, height))
	x := montageGutter
	for _, p := range panes {
		y := (height - p.Bounds().Dy()) / 2
		rect := image.Rect(x, y, x+p.Bounds().Dx(), y+p.Bounds().Dy())
		xdraw.Draw(canvas, rect, p, p.Bounds().Min, xdraw.Src)
		x += p.Bounds().Dx() + montageGutter
	}
	return canvas, nil
}

// WriteMontage renders the tri-planar snapshot of a volume to a PNG file,
// creating parent directories as needed.
func WriteMontage(v *models.Volume, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	img, err := NewRenderer(v).Montage()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, img)
}

// WriteSliceSeries writes every slice along one axis into a directory as
// numbered PNGs, for frame-by-frame review.
func (r *Renderer) WriteSliceSeries(axis string, outputDir string) error {
	var maxPos int
	dims := r.vol.Grid.Dims
	switch axis {
	case "x", "X":
		maxPos = dims[0]
	case "y", "Y":
		maxPos = dims[1]
	case "z", "Z":
		maxPos = dims[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < maxPos; pos++ {
		img, err := r.Slice(axis, pos)
		if err != nil {
			return err
		}
		name := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
