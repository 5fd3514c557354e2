package covariance

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"insarrate/pkg/insar"
)

// preconvertedHeader builds a header whose metadata marks the phase as
// already nan-converted and in millimetres, so tests control the numbers
// the estimator sees exactly.
func preconvertedHeader(master, slave time.Time) insar.Header {
	return insar.Header{
		Master:     master,
		Slave:      slave,
		Wavelength: 0.0562356,
		XSize:      100.0,
		YSize:      100.0,
		Nodata:     -32767,
		Projection: "WGS 84",
		Metadata: map[string]string{
			insar.MetaNanConverted: insar.ValueConverted,
			insar.MetaUnits:        insar.UnitsMillimetre,
		},
	}
}

func openConstantIfg(t *testing.T, value float64, rows, cols int) *insar.Ifg {
	t.Helper()
	dir := t.TempDir()
	phase := make([]float64, rows*cols)
	for i := range phase {
		phase[i] = value
	}
	master := time.Date(2006, 8, 28, 0, 0, 0, 0, time.UTC)
	hdr := preconvertedHeader(master, master.AddDate(0, 6, 0))
	path := filepath.Join(dir, "const.ifg")
	require.NoError(t, insar.Write(path, phase, rows, cols, hdr))
	ifg, err := insar.Open(path)
	require.NoError(t, err)
	return ifg
}

// TestCVDConstantField verifies the zero-lag variance of a constant raster.
// The autocorrelation of a constant c over N cells is c squared at every
// lag, so maxvar must come out as c squared.
func TestCVDConstantField(t *testing.T) {
	const c = 3.0
	ifg := openConstantIfg(t, c, 8, 8)
	defer ifg.Close()

	maxvar, alpha, err := CVD(ifg, t.TempDir(), false, false, false)
	require.NoError(t, err)
	require.InDelta(t, c*c, maxvar, 1e-6)
	require.True(t, math.IsNaN(alpha), "alpha must be NaN when the fit is disabled")
}

// TestCVDDoesNotMutatePhase verifies that with writeVals disabled the
// estimator works on a copy: phase and metadata stay untouched, so a second
// run reproduces the same maxvar.
func TestCVDDoesNotMutatePhase(t *testing.T) {
	ifg := openConstantIfg(t, 2.0, 8, 8)
	defer ifg.Close()

	before := append([]float64(nil), ifg.Phase...)
	first, _, err := CVD(ifg, t.TempDir(), false, false, false)
	require.NoError(t, err)

	require.Equal(t, before, ifg.Phase, "phase must not be mutated")
	require.Empty(t, ifg.Meta(insar.MetaMaxvar), "metadata must not be written")

	second, _, err := CVD(ifg, t.TempDir(), false, false, false)
	require.NoError(t, err)
	require.Equal(t, first, second, "repeated estimation must be reproducible")
}

// TestCVDWritesMetadata verifies that writeVals persists exactly the fitted
// scalars into the interferogram metadata.
func TestCVDWritesMetadata(t *testing.T) {
	ifg := openConstantIfg(t, 2.0, 8, 8)
	path := ifg.Path

	_, _, err := CVD(ifg, t.TempDir(), false, true, false)
	require.NoError(t, err)
	ifg.Close()

	reopened, err := insar.Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NotEmpty(t, reopened.Meta(insar.MetaMaxvar))
	require.NotEmpty(t, reopened.Meta(insar.MetaAlpha))
}

// TestCVDSavesACG verifies the persisted autocorrelation artifact: two rows
// of equal length, distances non-negative and bounded by the inscribed
// radius.
func TestCVDSavesACG(t *testing.T) {
	ifg := openConstantIfg(t, 1.5, 8, 8)
	defer ifg.Close()

	workdir := t.TempDir()
	_, _, err := CVD(ifg, workdir, false, false, true)
	require.NoError(t, err)

	data, rows, cols, err := insar.ReadGrid(insar.CVDDataPath(workdir, ifg.Path))
	require.NoError(t, err)
	require.Equal(t, 2, rows)
	require.Greater(t, cols, 0)

	// Row 1 holds radial distances in km; the inscribed radius of an 8x8
	// raster with 100 m cells is 0.4 km.
	for _, r := range data[cols:] {
		require.GreaterOrEqual(t, r, 0.0)
		require.Less(t, r, 0.4)
	}
}

// TestCVDAllMissing verifies the error for a raster with no valid phase.
func TestCVDAllMissing(t *testing.T) {
	ifg := openConstantIfg(t, 0.0, 4, 4)
	defer ifg.Close()
	_, _, err := CVD(ifg, t.TempDir(), false, false, false)
	require.Error(t, err)
}

// TestFitExponentialRecovery verifies the decay fit on samples placed
// exactly at the bin distances, where the bin means match the model and the
// minimizer must recover the generating exponent.
func TestFitExponentialRecovery(t *testing.T) {
	const (
		mx    = 10.0
		alpha = 1.5
		nbins = 40
		// Exactly representable so samples land on bin boundaries without
		// rounding drift.
		binWidth = 0.125
	)
	rdist := make([]float64, nbins)
	acg := make([]float64, nbins)
	for k := 0; k < nbins; k++ {
		rdist[k] = float64(k) * binWidth
		acg[k] = mx * math.Exp(-alpha*rdist[k])
	}

	got, err := fitExponential(acg, rdist, binWidth)
	require.NoError(t, err)
	require.InDelta(t, alpha, got, 1e-3)
}

// TestFitExponentialDegenerateBinning verifies the error when every sample
// collapses into the zero-distance bin.
func TestFitExponentialDegenerateBinning(t *testing.T) {
	_, err := fitExponential([]float64{1, 1, 1}, []float64{0, 0, 0}, 0.1)
	require.Error(t, err)
}
