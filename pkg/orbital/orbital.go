// Package orbital estimates and removes the systematic phase ramp each
// interferogram inherits from orbital geometry errors. The ramp is modelled
// as a low-degree polynomial surface fitted to the valid phase by least
// squares and subtracted in place.
package orbital

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"insarrate/pkg/cluster"
	"insarrate/pkg/insar"
)

// Corrector runs the orbital correction over a set of interferogram paths.
// Two implementations exist, selected by configuration: Independent corrects
// each worker's shard in place, Leader runs the whole correction once on the
// leader to avoid redundant memory-heavy work. Both converge at a barrier
// placed by the caller.
type Corrector interface {
	Remove(ifgPaths []string) error
}

// Independent corrects the calling worker's shard of paths.
type Independent struct {
	Comm   cluster.Comm
	Degree int
}

// Remove corrects this worker's shard in place.
func (c Independent) Remove(ifgPaths []string) error {
	lo, hi := cluster.SplitRange(len(ifgPaths), c.Comm.Rank(), c.Comm.Size())
	for _, path := range ifgPaths[lo:hi] {
		if err := removeFromFile(path, c.Degree); err != nil {
			return err
		}
	}
	return nil
}

// Leader corrects the entire stack on the leader rank only.
type Leader struct {
	Comm   cluster.Comm
	Degree int
}

// Remove corrects every path once, on the leader; other ranks do nothing.
func (c Leader) Remove(ifgPaths []string) error {
	if c.Comm.Rank() != cluster.Leader {
		return nil
	}
	for _, path := range ifgPaths {
		if err := removeFromFile(path, c.Degree); err != nil {
			return err
		}
	}
	return nil
}

func removeFromFile(path string, degree int) error {
	ifg, err := insar.Open(path)
	if err != nil {
		return err
	}
	defer ifg.Close()
	ifg.NanAndMMConvert()
	if err := RemoveError(ifg, degree); err != nil {
		return err
	}
	return ifg.WriteModifiedPhase()
}

// RemoveError fits a polynomial surface of the given degree (1 planar,
// 2 quadratic) to the valid phase of an opened interferogram and subtracts
// the fitted model everywhere. Missing cells stay missing.
func RemoveError(ifg *insar.Ifg, degree int) error {
	terms, err := designTerms(degree)
	if err != nil {
		return err
	}

	// Assemble the design matrix over valid cells only.
	var rowsIdx []int
	for i, v := range ifg.Phase {
		if !math.IsNaN(v) {
			rowsIdx = append(rowsIdx, i)
		}
	}
	if len(rowsIdx) < len(terms) {
		return fmt.Errorf("only %d valid cells in %s, need at least %d for degree %d fit",
			len(rowsIdx), ifg.Path, len(terms), degree)
	}

	a := mat.NewDense(len(rowsIdx), len(terms), nil)
	b := mat.NewVecDense(len(rowsIdx), nil)
	for ri, idx := range rowsIdx {
		x := float64(idx % ifg.Ncols)
		y := float64(idx / ifg.Ncols)
		for ti, term := range terms {
			a.Set(ri, ti, term(x, y))
		}
		b.SetVec(ri, ifg.Phase[idx])
	}

	// Least-squares solve via QR.
	var coeff mat.VecDense
	if err := coeff.SolveVec(a, b); err != nil {
		return fmt.Errorf("orbital fit failed for %s: %w", ifg.Path, err)
	}

	for i := range ifg.Phase {
		if math.IsNaN(ifg.Phase[i]) {
			continue
		}
		x := float64(i % ifg.Ncols)
		y := float64(i / ifg.Ncols)
		var model float64
		for ti, term := range terms {
			model += coeff.AtVec(ti) * term(x, y)
		}
		ifg.Phase[i] -= model
	}
	return nil
}

func designTerms(degree int) ([]func(x, y float64) float64, error) {
	planar := []func(x, y float64) float64{
		func(x, y float64) float64 { return 1 },
		func(x, y float64) float64 { return x },
		func(x, y float64) float64 { return y },
	}
	switch degree {
	case 1:
		return planar, nil
	case 2:
		return append(planar,
			func(x, y float64) float64 { return x * x },
			func(x, y float64) float64 { return y * y },
			func(x, y float64) float64 { return x * y },
		), nil
	default:
		return nil, fmt.Errorf("unsupported orbital fit degree %d", degree)
	}
}
