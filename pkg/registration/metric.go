package registration

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mrideface/internal/models"
)

// Metric selects the similarity measure the optimizer maximizes. Both are
// expressed as losses (negated similarity), so lower is better.
type Metric int

const (
	// MetricNCC is normalized cross-correlation. Fast and well suited to
	// same-contrast pairs such as a T1 template against a T1 subject.
	MetricNCC Metric = iota

	// MetricMI is mutual information from a joint intensity histogram,
	// robust to differing intensity distributions across subjects.
	MetricMI
)

const miBins = 32

func (m Metric) String() string {
	switch m {
	case MetricNCC:
		return "ncc"
	case MetricMI:
		return "mi"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// ParseMetric maps a configuration string onto a Metric.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ncc", "cc", "correlation":
		return MetricNCC, nil
	case "mi", "mattes", "mutualinformation":
		return MetricMI, nil
	default:
		return MetricNCC, fmt.Errorf("unknown similarity metric %q", s)
	}
}

// samplePlan is the strided subset of fixed voxels a level is scored on.
type samplePlan struct {
	points [][3]float64 // physical positions on the fixed grid
	fixed  []float64    // fixed intensities at those positions
}

// planSamples walks the fixed volume with the smallest uniform stride that
// keeps the sample count within maxSamples.
func planSamples(fixed *models.Volume, maxSamples int) samplePlan {
	nx, ny, nz := fixed.Grid.Dims[0], fixed.Grid.Dims[1], fixed.Grid.Dims[2]
	if maxSamples < 1 {
		maxSamples = 1
	}

	stride := 1
	for sampleCount(nx, stride)*sampleCount(ny, stride)*sampleCount(nz, stride) > maxSamples {
		stride++
	}

	n := sampleCount(nx, stride) * sampleCount(ny, stride) * sampleCount(nz, stride)
	plan := samplePlan{
		points: make([][3]float64, 0, n),
		fixed:  make([]float64, 0, n),
	}
	for z := 0; z < nz; z += stride {
		for y := 0; y < ny; y += stride {
			for x := 0; x < nx; x += stride {
				plan.points = append(plan.points, fixed.Grid.IndexToPhysical(float64(x), float64(y), float64(z)))
				plan.fixed = append(plan.fixed, fixed.At(x, y, z))
			}
		}
	}
	return plan
}

func sampleCount(n, stride int) int {
	return (n + stride - 1) / stride
}

// loss scores how poorly the moving samples explain the fixed samples.
func loss(metric Metric, fixed, moving []float64) float64 {
	switch metric {
	case MetricMI:
		return -mutualInformation(fixed, moving)
	default:
		return -normalizedCrossCorrelation(fixed, moving)
	}
}

// normalizedCrossCorrelation is the Pearson correlation of the two sample
// vectors. Degenerate (constant) inputs score zero.
func normalizedCrossCorrelation(a, b []float64) float64 {
	r := stat.Correlation(a, b, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// mutualInformation estimates MI over a joint histogram with miBins
// equal-width bins per side.
func mutualInformation(a, b []float64) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	minA, maxA := floats.Min(a), floats.Max(a)
	minB, maxB := floats.Min(b), floats.Max(b)
	if maxA == minA || maxB == minB {
		return 0
	}
	widthA := (maxA - minA) / miBins
	widthB := (maxB - minB) / miBins

	joint := make([]float64, miBins*miBins)
	margA := make([]float64, miBins)
	margB := make([]float64, miBins)
	w := 1 / float64(n)
	for i := 0; i < n; i++ {
		ba := histBin(a[i], minA, widthA)
		bb := histBin(b[i], minB, widthB)
		joint[ba*miBins+bb] += w
		margA[ba] += w
		margB[bb] += w
	}

	var mi float64
	for ia := 0; ia < miBins; ia++ {
		if margA[ia] == 0 {
			continue
		}
		for ib := 0; ib < miBins; ib++ {
			p := joint[ia*miBins+ib]
			if p == 0 {
				continue
			}
			mi += p * math.Log(p/(margA[ia]*margB[ib]))
		}
	}
	return mi
}

func histBin(v, min, width float64) int {
	b := int((v - min) / width)
	if b < 0 {
		return 0
	}
	if b >= miBins {
		return miBins - 1
	}
	return b
}
