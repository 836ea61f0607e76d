package resample

import (
	"math"

	"mrideface/internal/models"
)

// Cubic B-spline interpolation coefficients are obtained by running a
// recursive causal/anticausal filter along each axis (Unser's digital
// filtering approach). After prefiltering, evaluating the spline at integer
// indices reproduces the original voxel values.
const (
	cubicPole = -0.26794919243112270647 // sqrt(3) - 2
	cubicGain = 6.0

	// causalTolerance bounds the truncation error of the causal warm-up sum
	causalTolerance = 1e-12
)

// prefilterCubic converts voxel values into B-spline coefficients,
// filtering along x, then y, then z. Mirror boundary conditions.
func prefilterCubic(src *models.Volume) []float64 {
	nx, ny, nz := src.Grid.Dims[0], src.Grid.Dims[1], src.Grid.Dims[2]
	coeffs := make([]float64, len(src.Data))
	copy(coeffs, src.Data)
	plane := nx * ny

	if nx > 1 {
		line := make([]float64, nx)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				base := z*plane + y*nx
				copy(line, coeffs[base:base+nx])
				filterLine(line)
				copy(coeffs[base:base+nx], line)
			}
		}
	}
	if ny > 1 {
		line := make([]float64, ny)
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				for y := 0; y < ny; y++ {
					line[y] = coeffs[z*plane+y*nx+x]
				}
				filterLine(line)
				for y := 0; y < ny; y++ {
					coeffs[z*plane+y*nx+x] = line[y]
				}
			}
		}
	}
	if nz > 1 {
		line := make([]float64, nz)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				for z := 0; z < nz; z++ {
					line[z] = coeffs[z*plane+y*nx+x]
				}
				filterLine(line)
				for z := 0; z < nz; z++ {
					coeffs[z*plane+y*nx+x] = line[z]
				}
			}
		}
	}
	return coeffs
}

// filterLine runs the causal and anticausal passes over one line in place.
func filterLine(c []float64) {
	n := len(c)
	if n == 1 {
		return
	}
	for i := range c {
		c[i] *= cubicGain
	}
	c[0] = initialCausal(c)
	for i := 1; i < n; i++ {
		c[i] += cubicPole * c[i-1]
	}
	c[n-1] = initialAnticausal(c)
	for i := n - 2; i >= 0; i-- {
		c[i] = cubicPole * (c[i+1] - c[i])
	}
}

// initialCausal computes the first causal coefficient under mirror
// boundaries. Long lines use a truncated geometric sum; short lines use the
// closed form over the full mirrored period.
func initialCausal(c []float64) float64 {
	n := len(c)
	horizon := int(math.Ceil(math.Log(causalTolerance) / math.Log(math.Abs(cubicPole))))
	if horizon < n {
		zn := cubicPole
		sum := c[0]
		for k := 1; k < horizon; k++ {
			sum += zn * c[k]
			zn *= cubicPole
		}
		return sum
	}
	zn := cubicPole
	iz := 1 / cubicPole
	z2n := math.Pow(cubicPole, float64(n-1))
	sum := c[0] + z2n*c[n-1]
	z2n *= z2n * iz
	for k := 1; k <= n-2; k++ {
		sum += (zn + z2n) * c[k]
		zn *= cubicPole
		z2n *= iz
	}
	return sum / (1 - math.Pow(cubicPole, float64(2*n-2)))
}

func initialAnticausal(c []float64) float64 {
	n := len(c)
	return (cubicPole / (cubicPole*cubicPole - 1)) * (cubicPole*c[n-2] + c[n-1])
}

// cubicWeights returns the four B-spline basis values for a fraction
// w in [0,1), covering neighbors at offsets -1, 0, +1, +2.
func cubicWeights(w float64) [4]float64 {
	var b [4]float64
	omw := 1 - w
	b[0] = omw * omw * omw / 6
	b[3] = w * w * w / 6
	b[1] = 2.0/3.0 - w*w*(2-w)/2
	b[2] = 1 - b[0] - b[1] - b[3]
	return b
}

// mirrorIndex reflects an out-of-range index back into [0, n).
func mirrorIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// sampleCubic evaluates the prefiltered spline at a continuous index known
// to lie inside the volume extent.
func sampleCubic(coeffs []float64, dims [3]int, x, y, z float64) float64 {
	nx, ny := dims[0], dims[1]
	plane := nx * ny

	xi := int(math.Floor(x))
	yi := int(math.Floor(y))
	zi := int(math.Floor(z))
	wx := cubicWeights(x - float64(xi))
	wy := cubicWeights(y - float64(yi))
	wz := cubicWeights(z - float64(zi))

	var ix, iy, iz [4]int
	for k := 0; k < 4; k++ {
		ix[k] = mirrorIndex(xi-1+k, dims[0])
		iy[k] = mirrorIndex(yi-1+k, dims[1])
		iz[k] = mirrorIndex(zi-1+k, dims[2])
	}

	var sum float64
	for c := 0; c < 4; c++ {
		zOff := iz[c] * plane
		var planeSum float64
		for b := 0; b < 4; b++ {
			rowOff := zOff + iy[b]*nx
			rowSum := wx[0]*coeffs[rowOff+ix[0]] +
				wx[1]*coeffs[rowOff+ix[1]] +
				wx[2]*coeffs[rowOff+ix[2]] +
				wx[3]*coeffs[rowOff+ix[3]]
			planeSum += wy[b] * rowSum
		}
		sum += wz[c] * planeSum
	}
	return sum
}
