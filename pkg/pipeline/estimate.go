package pipeline

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"insarrate/internal/models"
	"insarrate/pkg/cluster"
	"insarrate/pkg/covariance"
	"insarrate/pkg/insar"
	"insarrate/pkg/linrate"
	"insarrate/pkg/timeseries"
)

// maxvarStage runs the spatial covariance estimator over this worker's
// shard of interferograms, writing maxvar and alpha back into each file's
// metadata, then reassembles the full maxvar vector at the leader in
// ascending rank order and broadcasts it so every worker holds the
// identical copy.
func (p *Pipeline) maxvarStage(paths []string) ([]float64, error) {
	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())

	local := make([]float64, 0, hi-lo)
	for _, path := range paths[lo:hi] {
		ifg, err := insar.Open(path)
		if err != nil {
			return nil, err
		}
		maxvar, alpha, err := covariance.CVD(ifg, workdir,
			p.cfg.Covariance.CalcAlpha, true, p.cfg.Covariance.SaveACG)
		if err != nil {
			ifg.Close()
			return nil, fmt.Errorf("covariance estimation failed for %s: %w", path, err)
		}
		p.log.Debug().Str("ifg", insar.Base(path)).
			Float64("maxvar", maxvar).Float64("alpha", alpha).
			Msg("estimated spatial covariance")
		ifg.Close()
		local = append(local, maxvar)
	}

	full := cluster.GatherOrdered(p.comm, local, tagMaxvar)
	maxvar := p.comm.Bcast(cluster.Leader, full).([]float64)
	if len(maxvar) != len(paths) {
		return nil, fmt.Errorf("reassembled %d maxvar values for %d interferograms", len(maxvar), len(paths))
	}
	p.log.Info().Msg("finished maxvar and alpha calculation")
	return maxvar, nil
}

// vcmtStage assembles the temporal variance-covariance matrix once on the
// leader and disseminates it.
func (p *Pipeline) vcmtStage(reg *insar.Registry, maxvar []float64) (*mat.Dense, error) {
	value, err := cluster.RunOnLeader(p.comm, func() (any, error) {
		return covariance.GetVCMT(reg.SortedIfgs(), maxvar)
	})
	if err != nil {
		return nil, err
	}
	p.log.Info().Msg("finished vcm calculation")
	return value.(*mat.Dense), nil
}

// linrateStage computes the per-pixel linear displacement rate for each
// tile in this worker's shard and persists the rate, error and sample-count
// grids per tile.
func (p *Pipeline) linrateStage(paths []string, reg *insar.Registry, vcmt *mat.Dense, tiles []models.Tile) error {
	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(tiles), p.comm.Rank(), p.comm.Size())
	for _, tile := range tiles[lo:hi] {
		p.log.Debug().Int("tile", tile.Index).Msg("calculating linear rate")
		views, mstMat, err := p.loadTile(paths, reg, tile)
		if err != nil {
			return err
		}
		rate, stderr, samples, err := linrate.LinearRate(views, vcmt, mstMat)
		if err != nil {
			return fmt.Errorf("linear rate failed for tile %d: %w", tile.Index, err)
		}
		rows, cols := tile.Rows(), tile.Cols()
		if err := insar.WriteGrid(insar.LinratePath(workdir, tile.Index), rate, rows, cols); err != nil {
			return err
		}
		if err := insar.WriteGrid(insar.LinerrorPath(workdir, tile.Index), stderr, rows, cols); err != nil {
			return err
		}
		if err := insar.WriteGrid(insar.LinsamplesPath(workdir, tile.Index), samples, rows, cols); err != nil {
			return err
		}
	}
	p.log.Info().Msg("finished linear rate calculation")
	p.comm.Barrier()
	return nil
}

// timeSeriesStage computes the incremental and cumulative displacement
// time series for each tile in this worker's shard.
func (p *Pipeline) timeSeriesStage(paths []string, reg *insar.Registry, vcmt *mat.Dense, tiles []models.Tile) error {
	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(tiles), p.comm.Rank(), p.comm.Size())
	for _, tile := range tiles[lo:hi] {
		p.log.Debug().Int("tile", tile.Index).Msg("calculating time series")
		views, mstMat, err := p.loadTile(paths, reg, tile)
		if err != nil {
			return err
		}
		tsincr, tscum, nvel, err := timeseries.TimeSeries(views, reg.Epochs, vcmt, mstMat)
		if err != nil {
			return fmt.Errorf("time series failed for tile %d: %w", tile.Index, err)
		}
		cells := tile.Rows() * tile.Cols()
		if err := insar.WriteGrid(insar.TSIncrPath(workdir, tile.Index), tsincr, nvel, cells); err != nil {
			return err
		}
		if err := insar.WriteGrid(insar.TSCumPath(workdir, tile.Index), tscum, nvel, cells); err != nil {
			return err
		}
	}
	p.log.Info().Msg("finished time series calculation")
	p.comm.Barrier()
	return nil
}

// loadTile loads the persisted phase views and the spanning-tree selection
// matrix for one tile, in the canonical interferogram order.
func (p *Pipeline) loadTile(paths []string, reg *insar.Registry, tile models.Tile) ([]*insar.TileView, []float64, error) {
	workdir := p.cfg.Runtime.WorkDir
	views := make([]*insar.TileView, 0, len(paths))
	for _, path := range paths {
		view, err := insar.NewTileView(workdir, path, tile, reg)
		if err != nil {
			return nil, nil, err
		}
		views = append(views, view)
	}
	mstMat, rows, cols, err := insar.ReadGrid(insar.MSTPath(workdir, tile.Index))
	if err != nil {
		return nil, nil, err
	}
	if rows != len(paths) || cols != tile.Rows()*tile.Cols() {
		return nil, nil, fmt.Errorf("selection matrix for tile %d has shape (%d, %d), want (%d, %d)",
			tile.Index, rows, cols, len(paths), tile.Rows()*tile.Cols())
	}
	return views, mstMat, nil
}
