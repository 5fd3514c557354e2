// Package timeseries inverts a tile's corrected interferograms into
// per-epoch displacement: each interferogram constrains the sum of the
// epoch-interval velocities it spans, and a per-pixel weighted least-squares
// solve recovers incremental and cumulative displacement.
package timeseries

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"insarrate/internal/models"
	"insarrate/pkg/insar"
)

// TimeSeries solves the epoch-increment system for every pixel of a tile.
// The views must be in canonical path order, matching the VCM; mstMat is
// the (nifgs, cells) selection matrix from the MST stage.
//
// Returns the incremental displacement grid and the cumulative displacement
// grid, both shaped (nepochs-1, cells), plus the interval count.
func TimeSeries(views []*insar.TileView, epochs models.EpochList, vcmt *mat.Dense, mstMat []float64) (tsincr, tscum []float64, nvel int, err error) {
	n := len(views)
	if n == 0 {
		return nil, nil, 0, fmt.Errorf("no interferograms to invert")
	}
	cells := len(views[0].Phase)
	if len(mstMat) != n*cells {
		return nil, nil, 0, fmt.Errorf("mst matrix has %d entries, want %d", len(mstMat), n*cells)
	}

	nepochs := len(epochs.Dates)
	nvel = nepochs - 1
	if nvel < 1 {
		return nil, nil, 0, fmt.Errorf("need at least two epochs, have %d", nepochs)
	}

	epochIndex := make(map[int64]int, nepochs)
	for i, d := range epochs.Dates {
		epochIndex[d.Unix()] = i
	}
	dt := make([]float64, nvel)
	for k := 0; k < nvel; k++ {
		dt[k] = epochs.Spans[k+1] - epochs.Spans[k]
	}

	// Interval design rows: interferogram i constrains intervals
	// [master, slave) with their durations.
	design := make([][]float64, n)
	for i, v := range views {
		mi, ok := epochIndex[v.Master.Unix()]
		if !ok {
			return nil, nil, 0, fmt.Errorf("master epoch of %s missing from epoch list", v.Path)
		}
		si, ok := epochIndex[v.Slave.Unix()]
		if !ok {
			return nil, nil, 0, fmt.Errorf("slave epoch of %s missing from epoch list", v.Path)
		}
		row := make([]float64, nvel)
		for k := mi; k < si; k++ {
			row[k] = dt[k]
		}
		design[i] = row
	}

	sqrtW := make([]float64, n)
	for i := 0; i < n; i++ {
		sqrtW[i] = 1.0 / math.Sqrt(vcmt.At(i, i))
	}

	tsincr = make([]float64, nvel*cells)
	tscum = make([]float64, nvel*cells)

	for c := 0; c < cells; c++ {
		var rowsIdx []int
		for i, v := range views {
			if mstMat[i*cells+c] != 0 && !math.IsNaN(v.Phase[c]) {
				rowsIdx = append(rowsIdx, i)
			}
		}
		if len(rowsIdx) < nvel {
			for k := 0; k < nvel; k++ {
				tsincr[k*cells+c] = math.NaN()
				tscum[k*cells+c] = math.NaN()
			}
			continue
		}

		a := mat.NewDense(len(rowsIdx), nvel, nil)
		b := mat.NewVecDense(len(rowsIdx), nil)
		for ri, i := range rowsIdx {
			for k := 0; k < nvel; k++ {
				a.Set(ri, k, design[i][k]*sqrtW[i])
			}
			b.SetVec(ri, views[i].Phase[c]*sqrtW[i])
		}

		var vel mat.VecDense
		if err := vel.SolveVec(a, b); err != nil {
			// Rank-deficient pixel: an interval not covered by any valid
			// connection cannot be resolved.
			for k := 0; k < nvel; k++ {
				tsincr[k*cells+c] = math.NaN()
				tscum[k*cells+c] = math.NaN()
			}
			continue
		}

		cum := 0.0
		for k := 0; k < nvel; k++ {
			incr := vel.AtVec(k) * dt[k]
			cum += incr
			tsincr[k*cells+c] = incr
			tscum[k*cells+c] = cum
		}
	}
	return tsincr, tscum, nvel, nil
}
