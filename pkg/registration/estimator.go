// Package registration estimates the affine transform aligning a moving
// template volume onto a fixed subject volume.
//
// The estimator runs a multi-resolution pyramid, coarse to fine. Each level
// smooths and shrinks both volumes, scores candidate transforms on a strided
// sample of fixed voxels, and refines the parameters with a derivative-free
// Nelder-Mead search seeded by the previous level. The returned transform
// maps moving-space physical coordinates to fixed-space physical
// coordinates and is guaranteed not to score worse than the identity on the
// finest level evaluated.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/optimize"

	"mrideface/internal/models"
	"mrideface/pkg/resample"
)

var (
	// ErrDivergence means the optimizer could not improve on the identity
	// transform within the level iteration caps. No transform is returned,
	// not even the identity.
	ErrDivergence = errors.New("registration diverged")

	// ErrTimeout means the caller's context expired between optimizer
	// iterations. No partially-converged transform is returned.
	ErrTimeout = errors.New("registration timed out")
)

// ProgressFunc receives periodic optimizer state: the pyramid level, the
// number of metric evaluations so far on that level, and the latest loss.
type ProgressFunc func(level, evaluations int, loss float64)

// progressEvery throttles ProgressFunc calls to one per this many metric
// evaluations.
const progressEvery = 25

// simplexStep is the initial Nelder-Mead step in normalized parameter
// space; paramScales converts it into physical units per parameter kind.
const simplexStep = 0.08

// convergeWindow is the iteration span over which the loss must improve by
// a level's tolerance to keep the optimizer running.
const convergeWindow = 20

// Options tunes the estimator. Zero values fall back to DefaultOptions.
type Options struct {
	// Model chooses the transform degrees of freedom
	Model Model

	// Metric chooses the similarity measure
	Metric Metric

	// Shrinks lists the pyramid factors, coarsest first
	Shrinks []int

	// SmoothingSigmasMm lists the Gaussian widths per level, in mm
	SmoothingSigmasMm []float64

	// Iterations caps the optimizer iterations per level
	Iterations []int

	// Tolerances is the per-level convergence threshold on the loss
	Tolerances []float64

	// MaxSamples caps how many fixed voxels score a candidate transform
	MaxSamples int

	// MinImprovement is the loss margin over the identity transform the
	// final result must reach; below it the estimate fails with
	// ErrDivergence
	MinImprovement float64

	// Progress, when set, receives periodic optimizer state
	Progress ProgressFunc
}

// DefaultOptions mirror a fast whole-head affine schedule: three levels at
// shrink 4/2/1 with 4/2/0 mm smoothing.
func DefaultOptions() Options {
	return Options{
		Model:             ModelAffine,
		Metric:            MetricNCC,
		Shrinks:           []int{4, 2, 1},
		SmoothingSigmasMm: []float64{4, 2, 0},
		Iterations:        []int{300, 150, 60},
		Tolerances:        []float64{1e-5, 1e-6, 1e-7},
		MaxSamples:        65536,
	}
}

func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()
	if len(o.Shrinks) == 0 {
		o.Shrinks = def.Shrinks
		if len(o.SmoothingSigmasMm) == 0 {
			o.SmoothingSigmasMm = def.SmoothingSigmasMm
		}
		if len(o.Iterations) == 0 {
			o.Iterations = def.Iterations
		}
		if len(o.Tolerances) == 0 {
			o.Tolerances = def.Tolerances
		}
	}
	n := len(o.Shrinks)
	if len(o.SmoothingSigmasMm) != n || len(o.Iterations) != n || len(o.Tolerances) != n {
		return o, fmt.Errorf("registration: level schedules disagree: %d shrinks, %d sigmas, %d iteration caps, %d tolerances",
			n, len(o.SmoothingSigmasMm), len(o.Iterations), len(o.Tolerances))
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = def.MaxSamples
	}
	return o, nil
}

// LevelReport records one pyramid level's optimization.
type LevelReport struct {
	Level      int
	Shrink     int
	Dims       [3]int
	Iterations int
	StartLoss  float64
	EndLoss    float64
}

// Report summarizes a completed estimation for logging and QC.
type Report struct {
	Metric       string
	Model        string
	Levels       []LevelReport
	IdentityLoss float64
	FinalLoss    float64
	Improvement  float64
	Elapsed      time.Duration
}

// levelScorer evaluates candidate transforms on one pyramid level.
type levelScorer struct {
	plan    samplePlan
	sampler func([3]float64) float64
	metric  Metric
	buf     []float64
}

func newLevelScorer(level pyramidLevel, metric Metric, maxSamples int) (*levelScorer, error) {
	sampler, err := resample.PointSampler(level.moving, resample.Linear, 0)
	if err != nil {
		return nil, err
	}
	plan := planSamples(level.fixed, maxSamples)
	return &levelScorer{
		plan:    plan,
		sampler: sampler,
		metric:  metric,
		buf:     make([]float64, len(plan.fixed)),
	}, nil
}

// score returns the loss of a candidate fixed-to-moving map g: each fixed
// sample point is carried into moving space and compared there.
func (s *levelScorer) score(g models.AffineTransform) float64 {
	for i, p := range s.plan.points {
		s.buf[i] = s.sampler(g.Apply(p))
	}
	return loss(s.metric, s.plan.fixed, s.buf)
}

// Estimate computes the affine transform mapping the moving volume's
// physical space onto the fixed volume's. Both grids are validated before
// any pyramid or optimizer work; the context is checked between iterations
// and a cancellation or deadline surfaces as ErrTimeout.
func Estimate(ctx context.Context, fixed, moving *models.Volume, opts Options) (models.AffineTransform, Report, error) {
	var none models.AffineTransform

	if fixed == nil || moving == nil {
		return none, Report{}, fmt.Errorf("registration: fixed and moving volumes are required")
	}
	if err := fixed.Grid.Validate(); err != nil {
		return none, Report{}, fmt.Errorf("registration fixed volume: %w", err)
	}
	if err := moving.Grid.Validate(); err != nil {
		return none, Report{}, fmt.Errorf("registration moving volume: %w", err)
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return none, Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return none, Report{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	start := time.Now()
	report := Report{Metric: opts.Metric.String(), Model: opts.Model.String()}

	// The optimizer works on g, the fixed-to-moving map, so the metric can
	// pull moving intensities without inverting per candidate. Rotation
	// pivots on the fixed center of mass; translation starts by moving it
	// onto the moving center of mass.
	center := fixed.CenterOfMass()
	comMoving := moving.CenterOfMass()
	var initParams [numParams]float64
	for a := 0; a < 3; a++ {
		initParams[pTx+a] = comMoving[a] - center[a]
	}

	levels, err := buildPyramid(fixed, moving, opts.Shrinks, opts.SmoothingSigmasMm)
	if err != nil {
		return none, report, err
	}

	free := freeIndices(opts.Model)
	u := make([]float64, len(free))
	for i := range u {
		u[i] = 1
	}
	embed := func(u []float64) [numParams]float64 {
		p := initParams
		for j, idx := range free {
			p[idx] = initParams[idx] + (u[j]-1)*paramScales[idx]
		}
		return p
	}

	var scorer *levelScorer
	for li, level := range levels {
		if err := ctx.Err(); err != nil {
			return none, report, fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		scorer, err = newLevelScorer(level, opts.Metric, opts.MaxSamples)
		if err != nil {
			return none, report, fmt.Errorf("registration level %d: %w", li, err)
		}

		evals := 0
		objective := func(x []float64) float64 {
			l := scorer.score(buildTransform(embed(x), center))
			evals++
			if opts.Progress != nil && evals%progressEvery == 0 {
				opts.Progress(li, evals, l)
			}
			return l
		}
		startLoss := scorer.score(buildTransform(embed(u), center))

		problem := optimize.Problem{
			Func: objective,
			Status: func() (optimize.Status, error) {
				if err := ctx.Err(); err != nil {
					return optimize.Failure, err
				}
				return optimize.NotTerminated, nil
			},
		}
		settings := &optimize.Settings{
			Converger: &optimize.FunctionConverge{
				Absolute:   opts.Tolerances[li],
				Iterations: convergeWindow,
			},
			MajorIterations: opts.Iterations[li],
		}
		if deadline, ok := ctx.Deadline(); ok {
			settings.Runtime = time.Until(deadline)
		}

		result, err := optimize.Minimize(problem, u, settings, &optimize.NelderMead{SimplexSize: simplexStep})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return none, report, fmt.Errorf("%w: %v", ErrTimeout, ctxErr)
		}
		if err != nil {
			return none, report, fmt.Errorf("registration: optimizer failed at level %d: %w", li, err)
		}

		copy(u, result.X)
		report.Levels = append(report.Levels, LevelReport{
			Level:      li,
			Shrink:     level.shrink,
			Dims:       level.fixed.Grid.Dims,
			Iterations: result.Stats.MajorIterations,
			StartLoss:  startLoss,
			EndLoss:    result.F,
		})
		if opts.Progress != nil {
			opts.Progress(li, evals, result.F)
		}
	}

	// Result guarantee, scored on the finest level actually evaluated: the
	// estimate must not lose to the identity transform.
	finalG := buildTransform(embed(u), center)
	report.IdentityLoss = scorer.score(models.IdentityTransform())
	report.FinalLoss = scorer.score(finalG)
	report.Improvement = report.IdentityLoss - report.FinalLoss
	report.Elapsed = time.Since(start)

	if report.Improvement < opts.MinImprovement {
		return none, report, fmt.Errorf("%w: improvement %.6g over identity is below the required %.6g (%s)",
			ErrDivergence, report.Improvement, opts.MinImprovement, report.Metric)
	}

	transform, err := finalG.Inverse()
	if err != nil {
		return none, report, fmt.Errorf("%w: optimum is degenerate: %v", ErrDivergence, err)
	}
	return transform, report, nil
}
