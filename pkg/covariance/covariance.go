// Package covariance implements the per-interferogram spectral
// autocorrelation estimate, its best fitting exponential decay function,
// and assembly of the temporal variance-covariance matrix that weights the
// rate and time-series estimators.
package covariance

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/optimize"

	"insarrate/pkg/insar"
)

// distFact converts metre distances to kilometres for the radial grid.
const distFact = 1000.0

// CVD calculates average covariance versus distance (autocorrelation) for
// one interferogram via the spectral method, and optionally the exponential
// decay length-scale alpha of its best fit.
//
// Parameters:
//   - ifg: An opened interferogram; its phase is unit-converted in place
//   - workdir: Directory receiving the autocorrelation samples when saveACG
//   - calcAlpha: Fit maxvar*exp(-alpha*r) to the binned autocorrelation
//   - writeVals: Persist maxvar/alpha into the interferogram metadata
//   - saveACG: Persist the surviving (autocorrelation, distance) pairs
//
// With writeVals false the interferogram's phase and metadata are left
// untouched apart from the standard unit conversions.
func CVD(ifg *insar.Ifg, workdir string, calcAlpha, writeVals, saveACG bool) (float64, float64, error) {
	ifg.NanAndMMConvert()

	// Zero-substitute missing cells so the spectral operations stay defined.
	// Works on a copy: CVD must not mutate the phase raster.
	rows, cols := ifg.Nrows, ifg.Ncols
	cells := ifg.NumCells()
	phase := make([]float64, cells)
	nzc := 0
	for i, v := range ifg.Phase {
		if math.IsNaN(v) {
			phase[i] = 0
		} else {
			phase[i] = v
		}
		if phase[i] != 0 {
			nzc++
		}
	}
	if nzc == 0 {
		return 0, 0, fmt.Errorf("interferogram %s has no valid phase", ifg.Path)
	}

	// 2D autocorrelation via the Wiener-Khinchin theorem: power spectrum,
	// inverse transform, normalize by the non-zero sample count, re-centre
	// the zero-lag point.
	spec := fft2(phase, rows, cols)
	pspec := make([]complex128, len(spec))
	for i, v := range spec {
		pspec[i] = complex(real(v)*real(v)+imag(v)*imag(v), 0)
	}
	acg := ifft2Real(pspec, rows, cols)
	for i := range acg {
		acg[i] /= float64(nzc)
	}
	acg = fftshift2(acg, rows, cols)

	// Radial distance of every cell from the image centre, in km.
	xc, yc := ifg.XCentre(), ifg.YCentre()
	xs, ys := ifg.Header.XSize, ifg.Header.YSize
	rdist := make([]float64, cells)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dx := float64(c-xc) * xs
			dy := float64(r-yc) * ys
			rdist[r*cols+c] = math.Sqrt(dx*dx+dy*dy) / distFact
		}
	}

	// Truncate to roughly the first half of the raster to drop exact
	// mirror-symmetric duplicates. The +nrows offset is inherited from the
	// Matlab-era formula; it is an approximation of exact de-duplication,
	// not a correctness guarantee.
	keep := int(math.Ceil(float64(cells)/2.0)) + rows
	if keep > cells {
		keep = cells
	}
	rdist = rdist[:keep]
	acg = acg[:keep]

	// Beyond the largest inscribed circle the sampling becomes anisotropic;
	// pick the smaller half-extent as the search radius.
	var maxdist float64
	if float64(xc)*xs < float64(yc)*ys {
		maxdist = float64(xc) * xs / distFact
	} else {
		maxdist = float64(yc) * ys / distFact
	}
	keptR := rdist[:0]
	keptA := acg[:0]
	for i, r := range rdist {
		if r < maxdist {
			keptR = append(keptR, r)
			keptA = append(keptA, acg[i])
		}
	}
	rdist, acg = keptR, keptA
	if len(acg) == 0 {
		return 0, 0, fmt.Errorf("no autocorrelation samples inside radius %.3f km for %s", maxdist, ifg.Path)
	}

	if saveACG {
		if err := saveCVDData(acg, rdist, workdir, ifg.Path); err != nil {
			return 0, 0, err
		}
	}

	// Maximum variance is expected near zero lag.
	maxvar := acg[0]
	for _, v := range acg {
		if v > maxvar {
			maxvar = v
		}
	}

	alpha := math.NaN()
	if calcAlpha {
		var err error
		alpha, err = fitExponential(acg, rdist, math.Max(xs, ys)*2/distFact)
		if err != nil {
			return 0, 0, fmt.Errorf("covariance fit failed for %s: %w", ifg.Path, err)
		}
	}

	if writeVals {
		ifg.SetMeta(insar.MetaMaxvar, strconv.FormatFloat(maxvar, 'g', -1, 64))
		ifg.SetMeta(insar.MetaAlpha, strconv.FormatFloat(alpha, 'g', -1, 64))
		if err := ifg.WriteModifiedPhase(); err != nil {
			return 0, 0, err
		}
	}

	return maxvar, alpha, nil
}

// fitExponential bins the autocorrelation samples radially, averages each
// bin, and fits the single-parameter model mx*exp(-alpha*r) to the bin
// means by minimizing the residual norm with Nelder-Mead.
func fitExponential(acg, rdist []float64, binWidth float64) (float64, error) {
	if binWidth <= 0 {
		return 0, fmt.Errorf("non-positive bin width %g", binWidth)
	}

	maxbin := 0
	bins := make([]int, len(rdist))
	for i, r := range rdist {
		b := int(math.Ceil(r / binWidth))
		bins[i] = b
		if b > maxbin {
			maxbin = b
		}
	}
	if maxbin < 1 {
		return 0, fmt.Errorf("degenerate distance binning: %d bins from %d samples", maxbin, len(rdist))
	}

	binDist := make([]float64, maxbin)
	binMean := make([]float64, maxbin)
	counts := make([]int, maxbin)
	for b := 0; b < maxbin; b++ {
		binDist[b] = float64(b) * binWidth
	}
	for i, b := range bins {
		if b < maxbin {
			binMean[b] += acg[i]
			counts[b]++
		}
	}
	for b := 0; b < maxbin; b++ {
		if counts[b] == 0 {
			return 0, fmt.Errorf("empty distance bin %d of %d", b, maxbin)
		}
		binMean[b] /= float64(counts[b])
	}

	// Function magnitude at zero radius anchors the model amplitude.
	mx := binMean[0]
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			a := x[0]
			var ss float64
			for i, r := range binDist {
				d := binMean[i] - mx*math.Exp(-a*r)
				ss += d * d
			}
			return math.Sqrt(ss)
		},
	}

	// Closed-form initial guess for the decay exponent.
	guess := 2.0 / (float64(maxbin) * binWidth)
	result, err := optimize.Minimize(problem, []float64{guess}, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, fmt.Errorf("exponential fit did not converge: %w", err)
	}
	return result.X[0], nil
}

func saveCVDData(acg, rdist []float64, workdir, ifgPath string) error {
	// Two-row grid: autocorrelation in row 0, radial distance in row 1.
	data := make([]float64, 0, 2*len(acg))
	data = append(data, acg...)
	data = append(data, rdist...)
	return insar.WriteGrid(insar.CVDDataPath(workdir, ifgPath), data, 2, len(acg))
}
