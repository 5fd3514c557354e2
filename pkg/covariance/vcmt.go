package covariance

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"insarrate/internal/models"
	"insarrate/pkg/insar"
)

// GetVCMT assembles the temporal variance/covariance matrix of a stack.
// Entry (i,j) is sig_i * sig_j * C_ij, where sig = sqrt(maxvar) and C
// captures shared-epoch correlation:
//
//	C = 1 when i and j have equal master and slave epochs (incl. i == j)
//	C = 0.5 when they share only a master or only a slave epoch
//	C = -0.5 when the master of one equals the slave of the other
//	C = 0 otherwise
//
// The ifgs must be in canonical path order, matching the maxvar vector.
func GetVCMT(ifgs []models.PrereadIfg, maxvar []float64) (*mat.Dense, error) {
	n := len(ifgs)
	if len(maxvar) != n {
		return nil, fmt.Errorf("maxvar length %d does not match %d interferograms", len(maxvar), n)
	}

	dates := make([]time.Time, 0, 2*n)
	for _, ifg := range ifgs {
		dates = append(dates, ifg.Master)
	}
	for _, ifg := range ifgs {
		dates = append(dates, ifg.Slave)
	}
	ids := insar.EpochIDs(dates)

	std := make([]float64, n)
	for i, v := range maxvar {
		std[i] = math.Sqrt(v)
	}

	vcm := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		mas1, slv1 := ids[ifgs[i].Master.Unix()], ids[ifgs[i].Slave.Unix()]
		for j := 0; j < n; j++ {
			mas2, slv2 := ids[ifgs[j].Master.Unix()], ids[ifgs[j].Slave.Unix()]

			// Later rules overwrite earlier ones, matching the original
			// assignment order.
			var pat float64
			if mas1 == mas2 || slv1 == slv2 {
				pat = 0.5
			}
			if mas1 == slv2 || slv1 == mas2 {
				pat = -0.5
			}
			if mas1 == mas2 && slv1 == slv2 {
				pat = 1.0
			}

			vcm.Set(i, j, pat*std[i]*std[j])
		}
	}
	return vcm, nil
}
