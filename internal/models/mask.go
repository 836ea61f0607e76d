package models

// MaskSpace identifies which anatomy grid a mask is currently registered to.
// A mask loaded from the template assets lives in template space; only after
// warping through the estimated transform does it describe subject voxels.
type MaskSpace int

const (
	// TemplateSpace means the mask sits on the template grid
	TemplateSpace MaskSpace = iota

	// SubjectSpace means the mask has been warped onto the subject grid
	SubjectSpace
)

func (s MaskSpace) String() string {
	switch s {
	case TemplateSpace:
		return "template"
	case SubjectSpace:
		return "subject"
	default:
		return "unknown"
	}
}

// Mask is a volume whose intensities are weights in [0,1]. Weight 1 marks
// anatomy to keep untouched, weight 0 marks anatomy to replace. The Space
// tag prevents a template-space mask from being composited against subject
// voxels by mistake.
type Mask struct {
	// Volume holds the weight data
	Volume *Volume

	// Space is the grid the mask currently describes
	Space MaskSpace
}

// NewMask tags a volume as a weight mask in the given space.
func NewMask(v *Volume, space MaskSpace) Mask {
	return Mask{Volume: v, Space: space}
}

// IsBinary reports whether every weight is exactly 0 or 1.
func (m Mask) IsBinary() bool {
	for _, v := range m.Volume.Data {
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}

// ValueSet returns the distinct weight values present, capped at limit
// entries (a binary mask yields at most two).
func (m Mask) ValueSet(limit int) []float64 {
	return m.Volume.DistinctValues(limit)
}
