// Package linrate estimates the per-pixel linear deformation rate of a tile
// by stacking: a weighted least-squares fit of corrected phase against
// interferogram time span, weighted by the temporal variance-covariance
// matrix and masked by the per-pixel spanning-tree selection.
package linrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"insarrate/pkg/insar"
)

// minObservations is the smallest connection count that yields a rate.
const minObservations = 2

// LinearRate fits a rate for every pixel of a tile. The views must be in
// canonical path order, matching the VCM; mstMat is the (nifgs, cells)
// selection matrix persisted by the MST stage. Returns the rate grid in
// mm/year, its standard error, and the per-pixel observation count.
func LinearRate(views []*insar.TileView, vcmt *mat.Dense, mstMat []float64) (rate, stderr, samples []float64, err error) {
	n := len(views)
	if n == 0 {
		return nil, nil, nil, fmt.Errorf("no interferograms to stack")
	}
	cells := len(views[0].Phase)
	if len(mstMat) != n*cells {
		return nil, nil, nil, fmt.Errorf("mst matrix has %d entries, want %d", len(mstMat), n*cells)
	}

	weights := make([]float64, n)
	for i := 0; i < n; i++ {
		weights[i] = 1.0 / vcmt.At(i, i)
	}

	rate = make([]float64, cells)
	stderr = make([]float64, cells)
	samples = make([]float64, cells)

	for c := 0; c < cells; c++ {
		var swty, swtt float64
		count := 0
		for i, v := range views {
			if mstMat[i*cells+c] == 0 {
				continue
			}
			obs := v.Phase[c]
			if math.IsNaN(obs) {
				continue
			}
			t := v.TimeSpan
			swty += weights[i] * t * obs
			swtt += weights[i] * t * t
			count++
		}
		samples[c] = float64(count)
		if count < minObservations || swtt == 0 {
			rate[c] = math.NaN()
			stderr[c] = math.NaN()
			continue
		}
		rate[c] = swty / swtt
		stderr[c] = math.Sqrt(1.0 / swtt)
	}
	return rate, stderr, samples, nil
}
