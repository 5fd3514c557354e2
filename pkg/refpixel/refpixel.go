// Package refpixel implements the reference pixel search heuristic: a grid
// of candidate coordinates is scored by the mean, across the whole stack, of
// the phase standard deviation inside a small patch around each candidate,
// and the steadiest candidate wins.
package refpixel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"insarrate/pkg/config"
	"insarrate/pkg/insar"
)

// Candidate is one (row, col) grid coordinate under evaluation.
type Candidate struct {
	Y int
	X int
}

// Setup derives the patch half-size, the minimum valid-cell count and the
// candidate coordinate grid from the configuration and raster shape. The
// grid is computed once on the leader and disseminated so every worker
// evaluates identical candidates.
func Setup(cfg *config.Config, nrows, ncols int) (halfPatch int, thresh float64, grid []Candidate, err error) {
	chip := cfg.RefPixel.ChipSize
	halfPatch = chip / 2
	thresh = float64(chip*chip) * cfg.RefPixel.MinFrac

	ys, err := gridAxis(nrows, halfPatch, cfg.RefPixel.GridNy)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("reference pixel row grid: %w", err)
	}
	xs, err := gridAxis(ncols, halfPatch, cfg.RefPixel.GridNx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("reference pixel column grid: %w", err)
	}

	for _, y := range ys {
		for _, x := range xs {
			grid = append(grid, Candidate{Y: y, X: x})
		}
	}
	return halfPatch, thresh, grid, nil
}

// gridAxis spaces n candidate coordinates evenly across the interior of an
// axis, keeping a half-patch margin at both ends.
func gridAxis(extent, half, n int) ([]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("candidate count must be positive, got %d", n)
	}
	lo, hi := half, extent-half-1
	if hi < lo {
		return nil, fmt.Errorf("raster extent %d too small for patch half-size %d", extent, half)
	}
	if n == 1 {
		return []int{(lo + hi) / 2}, nil
	}
	coords := make([]int, n)
	for i := 0; i < n; i++ {
		coords[i] = lo + i*(hi-lo)/(n-1)
	}
	return coords, nil
}

// SaveBlocks persists the fixed-size phase patch of every interferogram
// around every candidate, so grid evaluation reads small artifacts instead
// of reopening rasters.
func SaveBlocks(grid []Candidate, halfPatch int, ifgPaths []string, workdir string) error {
	size := 2*halfPatch + 1
	for _, path := range ifgPaths {
		ifg, err := insar.Open(path)
		if err != nil {
			return err
		}
		ifg.NanAndMMConvert()
		for _, cand := range grid {
			patch := make([]float64, 0, size*size)
			for r := cand.Y - halfPatch; r <= cand.Y+halfPatch; r++ {
				patch = append(patch, ifg.Phase[r*ifg.Ncols+cand.X-halfPatch:r*ifg.Ncols+cand.X+halfPatch+1]...)
			}
			if err := insar.WriteGrid(insar.RefPixelBlockPath(workdir, path, cand.Y, cand.X), patch, size, size); err != nil {
				ifg.Close()
				return err
			}
		}
		ifg.Close()
	}
	return nil
}

// EvaluateGrid scores each candidate in the given shard: the mean over all
// interferograms of the patch phase standard deviation, or NaN when too few
// patches pass the valid-cell threshold.
func EvaluateGrid(grid []Candidate, halfPatch int, thresh float64, ifgPaths []string, workdir string) ([]float64, error) {
	meanSDs := make([]float64, len(grid))
	for gi, cand := range grid {
		var sds []float64
		for _, path := range ifgPaths {
			patch, _, _, err := insar.ReadGrid(insar.RefPixelBlockPath(workdir, path, cand.Y, cand.X))
			if err != nil {
				return nil, fmt.Errorf("failed to read patch (%d,%d) of %s: %w", cand.Y, cand.X, path, err)
			}
			valid := make([]float64, 0, len(patch))
			for _, v := range patch {
				if !math.IsNaN(v) {
					valid = append(valid, v)
				}
			}
			if float64(len(valid)) >= thresh {
				sds = append(sds, stat.StdDev(valid, nil))
			}
		}
		if len(sds) == len(ifgPaths) {
			meanSDs[gi] = stat.Mean(sds, nil)
		} else {
			meanSDs[gi] = math.NaN()
		}
	}
	return meanSDs, nil
}

// SelectBest picks the candidate with the lowest mean standard deviation.
// Only the leader's concatenated view of the statistics is meaningful; the
// result, not the statistics, is disseminated.
func SelectBest(meanSDs []float64, grid []Candidate) (y, x int, err error) {
	if len(meanSDs) != len(grid) {
		return 0, 0, fmt.Errorf("have %d statistics for %d candidates", len(meanSDs), len(grid))
	}
	best := -1
	for i, sd := range meanSDs {
		if math.IsNaN(sd) {
			continue
		}
		if best < 0 || sd < meanSDs[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, fmt.Errorf("no reference pixel candidate passed the validity threshold")
	}
	return grid[best].Y, grid[best].X, nil
}
