// Package pipeline orchestrates one defacing run end to end: load the
// subject, template and face mask, estimate the template-to-subject
// transform, warp the mask, voxelate the subject and composite the result.
//
// The defacing process consists of five steps:
// 1. Loading the subject volume and the template assets
// 2. Estimating the affine registration of template onto subject
// 3. Warping the binary face mask into subject space
// 4. Voxelating the subject through a coarse-grid round trip
// 5. Compositing original and voxelated volumes and writing the output
//
// The input volumes are never modified; the output is written to a staging
// file and renamed into place only after every step has succeeded.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"mrideface/internal/models"
	"mrideface/pkg/composite"
	"mrideface/pkg/nifti"
	"mrideface/pkg/qc"
	"mrideface/pkg/registration"
	"mrideface/pkg/resample"
	"mrideface/pkg/voxelate"
)

// DefaultVoxelSizeMm is the edge length of the coarse blocks when the
// caller does not choose one.
const DefaultVoxelSizeMm = 8.0

// binaryThreshold splits a non-binary mask into keep/replace weights.
const binaryThreshold = 0.5

// Params holds the defacing parameters for one subject.
type Params struct {
	// SubjectPath is the volume to de-identify (NIfTI, .nii or .nii.gz)
	SubjectPath string

	// TemplatePath is the template head volume the mask is registered to
	TemplatePath string

	// FaceMaskPath is the binary face mask on the template grid, weight 1
	// where anatomy is kept and 0 where it is voxelated
	FaceMaskPath string

	// OutputPath is where the defaced volume is written. Empty derives
	// "<subject>_defaced" next to the input. Ignored in in-place mode.
	OutputPath string

	// InPlace overwrites the subject after renaming the original to
	// "<subject>_faced"
	InPlace bool

	// VoxelSizeMm is the coarse block edge length; zero uses the default
	VoxelSizeMm float64

	// Registration tunes the transform estimator
	Registration registration.Options

	// NumCores caps the resampling worker count; zero uses all cores
	NumCores int

	// SaveIntermediate writes the warped mask and the fully voxelated
	// volume next to the output
	SaveIntermediate bool

	// QCSnapshot renders a tri-planar PNG of the defaced volume
	QCSnapshot bool

	// Verbose enables step-by-step progress output
	Verbose bool
}

func (p *Params) validate() error {
	if p.SubjectPath == "" {
		return fmt.Errorf("pipeline: subject path is required")
	}
	if p.TemplatePath == "" || p.FaceMaskPath == "" {
		return fmt.Errorf("pipeline: template and face mask paths are required")
	}
	if p.VoxelSizeMm == 0 {
		p.VoxelSizeMm = DefaultVoxelSizeMm
	}
	if p.VoxelSizeMm < 0 || math.IsNaN(p.VoxelSizeMm) || math.IsInf(p.VoxelSizeMm, 0) {
		return fmt.Errorf("pipeline: voxel size must be positive, got %g", p.VoxelSizeMm)
	}
	if p.InPlace && p.OutputPath != "" {
		return fmt.Errorf("pipeline: in-place mode does not take an output path")
	}
	return nil
}

// Result reports what one run produced.
type Result struct {
	// OutputPath is the defaced volume location
	OutputPath string

	// BackupPath is where the original was moved in in-place mode
	BackupPath string

	// FaceMaskPath and VoxelatedPath are the intermediate artifacts, when
	// requested
	FaceMaskPath  string
	VoxelatedPath string

	// QCSnapshotPath is the tri-planar PNG, when requested
	QCSnapshotPath string

	// Transform maps template physical space onto subject physical space
	Transform models.AffineTransform

	// Registration is the estimator's report
	Registration registration.Report

	// CoarseDims is the voxelation grid the subject was pushed through
	CoarseDims [3]int

	// ReplacedVoxels counts subject voxels taken from the voxelated volume
	ReplacedVoxels int

	// Elapsed is the total wall time of the run
	Elapsed time.Duration
}

// Run defaces one subject. The context aborts the registration between
// optimizer iterations; no output is written unless every step succeeds.
func Run(ctx context.Context, params Params) (Result, error) {
	r := &runner{params: params}
	return r.run(ctx)
}

type runner struct {
	params Params

	subject  *models.Volume
	template *models.Volume
	mask     models.Mask
}

func (r *runner) logf(format string, args ...interface{}) {
	if r.params.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func (r *runner) run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	if err := r.params.validate(); err != nil {
		return res, err
	}
	switch {
	case r.params.InPlace:
		res.OutputPath = r.params.SubjectPath
	case r.params.OutputPath != "":
		res.OutputPath = r.params.OutputPath
	default:
		res.OutputPath = DefaultOutputPath(r.params.SubjectPath)
	}

	r.logf("Step 1: Loading volumes...")
	if err := r.load(); err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("defacing aborted: %w", err)
	}

	r.logf("Step 2: Estimating template-to-subject registration...")
	transform, report, err := r.register(ctx)
	if err != nil {
		return res, err
	}
	res.Transform = transform
	res.Registration = report
	r.logf("  aligned in %s, %s loss %.6f (improvement %.6f over identity)",
		report.Elapsed.Round(time.Millisecond), report.Metric, report.FinalLoss, report.Improvement)

	r.logf("Step 3: Warping face mask into subject space...")
	warped, err := r.warpMask(&transform)
	if err != nil {
		return res, err
	}
	res.ReplacedVoxels = countReplaced(warped.Volume)
	r.logf("  replacing %d of %d voxels (%.1f%%)", res.ReplacedVoxels, len(warped.Volume.Data),
		100*float64(res.ReplacedVoxels)/float64(len(warped.Volume.Data)))

	r.logf("Step 4: Voxelating subject volume...")
	res.CoarseDims = voxelate.CoarseDims(r.subject.Grid, r.params.VoxelSizeMm)
	voxelated, err := voxelate.Voxelate(r.subject, r.params.VoxelSizeMm, r.resampleOpts()...)
	if err != nil {
		return res, fmt.Errorf("voxelate subject: %w", err)
	}
	r.logf("  coarse grid %dx%dx%d at %.3g mm blocks",
		res.CoarseDims[0], res.CoarseDims[1], res.CoarseDims[2], r.params.VoxelSizeMm)

	r.logf("Step 5: Compositing and writing output...")
	defaced, err := composite.Blend(r.subject, voxelated, warped.Volume)
	if err != nil {
		return res, fmt.Errorf("composite defaced volume: %w", err)
	}

	if r.params.SaveIntermediate {
		res.FaceMaskPath = derivedPath(res.OutputPath, "_facemask")
		if err := nifti.Write(res.FaceMaskPath, warped.Volume); err != nil {
			return res, fmt.Errorf("write face mask intermediate: %w", err)
		}
		res.VoxelatedPath = derivedPath(res.OutputPath, "_voxelated")
		if err := nifti.Write(res.VoxelatedPath, voxelated); err != nil {
			return res, fmt.Errorf("write voxelated intermediate: %w", err)
		}
		r.logf("  intermediates: %s, %s", res.FaceMaskPath, res.VoxelatedPath)
	}
	if r.params.QCSnapshot {
		res.QCSnapshotPath = qcSnapshotPath(res.OutputPath)
		if err := qc.WriteMontage(defaced, res.QCSnapshotPath); err != nil {
			return res, fmt.Errorf("write QC snapshot: %w", err)
		}
		r.logf("  QC snapshot: %s", res.QCSnapshotPath)
	}

	if r.params.InPlace {
		res.BackupPath = BackupPath(r.params.SubjectPath)
		if _, err := os.Stat(res.BackupPath); err == nil {
			return res, fmt.Errorf("backup %s already exists; refusing to overwrite the previous original", res.BackupPath)
		}
		if err := os.Rename(r.params.SubjectPath, res.BackupPath); err != nil {
			return res, fmt.Errorf("back up original: %w", err)
		}
		r.logf("  original backed up to %s", res.BackupPath)
	}

	if err := writeLast(res.OutputPath, defaced); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	r.logf("Defaced volume written to %s in %s", res.OutputPath, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// load reads the three input volumes and prepares the template-space mask.
func (r *runner) load() error {
	var err error
	if r.subject, err = nifti.Read(r.params.SubjectPath); err != nil {
		return fmt.Errorf("load subject %s: %w", r.params.SubjectPath, err)
	}
	if r.template, err = nifti.Read(r.params.TemplatePath); err != nil {
		return fmt.Errorf("load template %s: %w", r.params.TemplatePath, err)
	}
	maskVol, err := nifti.Read(r.params.FaceMaskPath)
	if err != nil {
		return fmt.Errorf("load face mask %s: %w", r.params.FaceMaskPath, err)
	}
	if !maskVol.Grid.ApproxEqual(r.template.Grid, models.GridEpsilon) {
		return fmt.Errorf("face mask %s is not on the template grid: %w", r.params.FaceMaskPath, models.ErrGridMismatch)
	}

	r.mask = models.NewMask(maskVol, models.TemplateSpace)
	if !r.mask.IsBinary() {
		r.mask = models.NewMask(binarize(maskVol), models.TemplateSpace)
		r.logf("  face mask was not binary; thresholded at %.2g", binaryThreshold)
	}

	s, g := r.subject, r.subject.Grid
	r.logf("  subject %dx%dx%d @ %.3gx%.3gx%.3g mm (%d voxels)",
		g.Dims[0], g.Dims[1], g.Dims[2], g.Spacing[0], g.Spacing[1], g.Spacing[2], len(s.Data))
	return nil
}

func (r *runner) register(ctx context.Context) (models.AffineTransform, registration.Report, error) {
	opts := r.params.Registration
	if opts.Progress == nil && r.params.Verbose {
		opts.Progress = func(level, evaluations int, loss float64) {
			fmt.Printf("  level %d: %d evaluations, loss %.6f\n", level, evaluations, loss)
		}
	}
	return registration.Estimate(ctx, r.subject, r.template, opts)
}

// warpMask carries the template-space mask onto the subject grid. Nearest
// neighbor keeps the weights binary; anything outside the template's field
// of view receives weight 0 and is voxelated, matching the warp's
// zero background.
func (r *runner) warpMask(transform *models.AffineTransform) (models.Mask, error) {
	warpedVol, err := resample.Resample(r.mask.Volume, r.subject.Grid, transform, resample.NearestNeighbor, r.resampleOpts()...)
	if err != nil {
		return models.Mask{}, fmt.Errorf("warp face mask: %w", err)
	}
	return models.NewMask(warpedVol, models.SubjectSpace), nil
}

func (r *runner) resampleOpts() []resample.Option {
	if r.params.NumCores > 0 {
		return []resample.Option{resample.WithParallel(r.params.NumCores)}
	}
	return nil
}

// writeLast stages the final volume next to its destination and renames it
// into place, so a failed run never leaves a half-written output.
func writeLast(outputPath string, v *models.Volume) error {
	staging := stagingPath(outputPath)
	if err := nifti.Write(staging, v); err != nil {
		os.Remove(staging)
		return fmt.Errorf("write defaced volume: %w", err)
	}
	if err := os.Rename(staging, outputPath); err != nil {
		os.Remove(staging)
		return fmt.Errorf("move defaced volume into place: %w", err)
	}
	return nil
}

func binarize(v *models.Volume) *models.Volume {
	out := v.Clone()
	for i, val := range out.Data {
		if val > binaryThreshold {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	return out
}

func countReplaced(weights *models.Volume) int {
	n := 0
	for _, w := range weights.Data {
		if w < binaryThreshold {
			n++
		}
	}
	return n
}
