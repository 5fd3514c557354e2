// Package pipeline orchestrates the full correction-and-estimation workflow
// over a stack of co-registered interferograms: preread registry build,
// per-tile spanning-tree selection, reference pixel search, orbital and
// reference-phase correction, covariance estimation, and per-tile rate and
// time-series estimation. Stages run in strict sequence on a fixed set of
// cooperating workers; each stage ends with a barrier and all cross-worker
// state moves through explicit messages or disk-persisted artifacts.
package pipeline

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"insarrate/internal/models"
	"insarrate/pkg/cluster"
	"insarrate/pkg/config"
	"insarrate/pkg/insar"
	"insarrate/pkg/mst"
	"insarrate/pkg/orbital"
	"insarrate/pkg/refpixel"
)

// Stage message tags. Point-to-point reassembly is strictly ordered by
// ascending rank under these tags so result arrays are reproducible
// regardless of arrival order.
const (
	tagPhaseSum = 1
	tagRefPhase = 2
	tagMaxvar   = 3
	tagRefPixel = 4
)

// Result is the outcome of a pipeline run. The persisted per-tile artifacts
// in the work directory are its side effects.
type Result struct {
	// RefY and RefX are the resolved reference pixel coordinates
	RefY int
	RefX int

	// Maxvar is the per-interferogram maximum variance in canonical order
	Maxvar []float64

	// VCMT is the temporal variance-covariance matrix
	VCMT *mat.Dense
}

// Pipeline holds one worker's view of a run. Every worker constructs an
// identical Pipeline and calls Run; divergence between workers is confined
// to shard boundaries handed out by the partition contract.
type Pipeline struct {
	cfg  *config.Config
	comm cluster.Comm
	log  zerolog.Logger
}

// New creates a pipeline bound to one worker's communicator.
func New(cfg *config.Config, comm cluster.Comm, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		comm: comm,
		log:  logger.With().Int("rank", comm.Rank()).Logger(),
	}
}

// Run executes the whole workflow over the given interferogram paths,
// tiling each raster into tileRows x tileCols tiles.
func (p *Pipeline) Run(ifgPaths []string, tileRows, tileCols int) (*Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(ifgPaths) == 0 {
		return nil, fmt.Errorf("no interferograms to process")
	}

	// Canonical master order: sorted paths. Every full-length scalar array
	// in the run is indexed in this order.
	paths := append([]string(nil), ifgPaths...)
	sort.Strings(paths)

	workdir := p.cfg.Runtime.WorkDir
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	tiles, err := p.tileStage(paths[0], tileRows, tileCols)
	if err != nil {
		return nil, err
	}

	reg, err := p.registryStage(paths, tiles)
	if err != nil {
		return nil, err
	}

	if err := p.mstStage(paths, tiles, reg); err != nil {
		return nil, err
	}

	refy, refx, err := p.refPixelStage(paths, reg)
	if err != nil {
		return nil, err
	}

	if err := p.orbitalStage(paths); err != nil {
		return nil, err
	}

	if err := p.refPhaseStage(paths, reg, refy, refx); err != nil {
		return nil, err
	}

	maxvar, err := p.maxvarStage(paths)
	if err != nil {
		return nil, err
	}

	vcmt, err := p.vcmtStage(reg, maxvar)
	if err != nil {
		return nil, err
	}

	// Re-persist the corrected phase tiles for the estimators.
	if err := p.tilePhaseStage(paths, tiles); err != nil {
		return nil, err
	}

	if p.cfg.TimeSeries.Enabled {
		if err := p.timeSeriesStage(paths, reg, vcmt, tiles); err != nil {
			return nil, err
		}
	}

	if err := p.linrateStage(paths, reg, vcmt, tiles); err != nil {
		return nil, err
	}

	p.log.Info().Msg("pipeline completed")
	return &Result{RefY: refy, RefX: refx, Maxvar: maxvar, VCMT: vcmt}, nil
}

// tileStage computes the tiling once on the leader and disseminates it, so
// every worker uses numerically identical tile boundaries.
func (p *Pipeline) tileStage(firstPath string, tileRows, tileCols int) ([]models.Tile, error) {
	value, err := cluster.RunOnLeader(p.comm, func() (any, error) {
		ifg, err := insar.Open(firstPath)
		if err != nil {
			return nil, err
		}
		defer ifg.Close()
		return insar.CreateTiles(ifg.Nrows, ifg.Ncols, tileRows, tileCols)
	})
	if err != nil {
		return nil, err
	}
	return value.([]models.Tile), nil
}

// registryStage builds and globally synchronizes the preread registry.
// Each worker prereads its shard of paths and persists the numeric phase
// tiles; the local maps are merged by an all-gather; the leader adds the
// three global keys and publishes the registry to disk; after a barrier
// every worker reloads the identical published copy.
func (p *Pipeline) registryStage(paths []string, tiles []models.Tile) (*insar.Registry, error) {
	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())
	shard := paths[lo:hi]

	if err := p.applyNodataOverride(shard); err != nil {
		return nil, err
	}
	if err := insar.SaveTilePhase(shard, tiles, workdir); err != nil {
		return nil, err
	}

	local := make(map[string]models.PrereadIfg, len(shard))
	for _, path := range shard {
		ifg, err := insar.Open(path)
		if err != nil {
			return nil, err
		}
		ifg.NanAndMMConvert()
		local[path] = insar.Preread(ifg)
		ifg.Close()
	}
	p.log.Info().Int("prereads", len(local)).Msg("finished preread of assigned interferograms")

	// All-gather: every worker contributes its local map; paths are unique
	// so the union needs no conflict resolution.
	merged := make(map[string]models.PrereadIfg, len(paths))
	for r := 0; r < p.comm.Size(); r++ {
		part := p.comm.Bcast(r, local).(map[string]models.PrereadIfg)
		for k, v := range part {
			merged[k] = v
		}
	}

	registryFile := insar.RegistryPath(workdir)
	if p.comm.Rank() == cluster.Leader {
		reg := &insar.Registry{Ifgs: merged}
		reg.Epochs = insar.GetEpochs(reg.SortedIfgs())

		first, err := insar.Open(paths[0])
		if err != nil {
			return nil, err
		}
		hdr := first.Header
		first.Close()
		reg.GeoTransform = [6]float64{hdr.XFirst, hdr.XSize, 0, hdr.YFirst, 0, -hdr.YSize}
		reg.Projection = hdr.Projection

		// The publish must be durable before the barrier releases; the
		// reload below otherwise races the write.
		if err := insar.PublishRegistry(registryFile, reg); err != nil {
			return nil, err
		}
	}
	p.comm.Barrier()

	reg, err := insar.LoadRegistry(registryFile)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// mstStage computes and persists one spanning-tree selection matrix per
// tile in this worker's shard. No gather is needed: later stages load any
// tile's file by index regardless of which worker produced it, since the
// trailing barrier fully serializes the stage boundary.
func (p *Pipeline) mstStage(paths []string, tiles []models.Tile, reg *insar.Registry) error {
	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(tiles), p.comm.Rank(), p.comm.Size())
	for _, tile := range tiles[lo:hi] {
		matrix, err := mst.TileMatrix(tile, paths, reg, workdir)
		if err != nil {
			return err
		}
		cells := tile.Rows() * tile.Cols()
		if err := insar.WriteGrid(insar.MSTPath(workdir, tile.Index), matrix, len(paths), cells); err != nil {
			return err
		}
	}
	p.log.Info().Msg("finished mst calculation")
	p.comm.Barrier()
	return nil
}

// applyNodataOverride rewrites each sidecar header in the shard with the
// configured nodata value before any phase conversion happens, so every
// later open sees the override. A zero configured value keeps each file's
// own header.
func (p *Pipeline) applyNodataOverride(shard []string) error {
	nodata := p.cfg.Input.NodataValue
	if nodata == 0 {
		return nil
	}
	for _, path := range shard {
		ifg, err := insar.Open(path)
		if err != nil {
			return err
		}
		if ifg.Header.Nodata != nodata {
			ifg.Header.Nodata = nodata
			if err := ifg.WriteModifiedPhase(); err != nil {
				ifg.Close()
				return err
			}
		}
		ifg.Close()
	}
	return nil
}

// refPixelStage resolves the reference pixel: a pre-supplied in-bounds
// coordinate is reused, otherwise the candidate grid is computed once on
// the leader, partitioned, evaluated everywhere, and the leader's selection
// over the rank-ordered concatenated statistics is disseminated.
func (p *Pipeline) refPixelStage(paths []string, reg *insar.Registry) (refy, refx int, err error) {
	first := reg.Ifgs[paths[0]]
	nrows, ncols := first.Nrows, first.Ncols

	refx, refy = p.cfg.RefPixel.X, p.cfg.RefPixel.Y
	if refx > ncols-1 {
		return 0, 0, fmt.Errorf("supplied reference pixel X coordinate %d is greater than the number of columns %d", refx, ncols)
	}
	if refy > nrows-1 {
		return 0, 0, fmt.Errorf("supplied reference pixel Y coordinate %d is greater than the number of rows %d", refy, nrows)
	}
	if refx > 0 && refy > 0 {
		p.log.Info().Int("x", refx).Int("y", refy).Msg("reusing reference pixel from configuration")
		p.comm.Barrier()
		return refy, refx, nil
	}

	p.log.Info().Msg("searching for best reference pixel location")

	type setup struct {
		Half   int
		Thresh float64
		Grid   []refpixel.Candidate
	}
	value, err := cluster.RunOnLeader(p.comm, func() (any, error) {
		half, thresh, grid, err := refpixel.Setup(p.cfg, nrows, ncols)
		if err != nil {
			return nil, err
		}
		return setup{Half: half, Thresh: thresh, Grid: grid}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	s := value.(setup)

	workdir := p.cfg.Runtime.WorkDir
	lo, hi := cluster.SplitRange(len(s.Grid), p.comm.Rank(), p.comm.Size())
	shard := s.Grid[lo:hi]

	if err := refpixel.SaveBlocks(shard, s.Half, paths, workdir); err != nil {
		return 0, 0, err
	}
	meanSDs, err := refpixel.EvaluateGrid(shard, s.Half, s.Thresh, paths, workdir)
	if err != nil {
		return 0, 0, err
	}

	// Only the leader's concatenated view of the statistics is meaningful.
	full := cluster.GatherOrdered(p.comm, meanSDs, tagRefPixel)
	value, err = cluster.RunOnLeader(p.comm, func() (any, error) {
		y, x, err := refpixel.SelectBest(full, s.Grid)
		if err != nil {
			return nil, err
		}
		return [2]int{y, x}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	sel := value.([2]int)
	p.log.Info().Int("x", sel[1]).Int("y", sel[0]).Msg("selected reference pixel coordinate")
	p.comm.Barrier()
	return sel[0], sel[1], nil
}

// orbitalStage removes orbital error in one of two execution modes behind
// the Corrector interface; both converge at the trailing barrier.
func (p *Pipeline) orbitalStage(paths []string) error {
	var corrector orbital.Corrector
	switch p.cfg.Orbital.Mode {
	case config.OrbitalModeIndependent:
		corrector = orbital.Independent{Comm: p.comm, Degree: p.cfg.Orbital.Degree}
	case config.OrbitalModeLeader:
		corrector = orbital.Leader{Comm: p.comm, Degree: p.cfg.Orbital.Degree}
	default:
		return fmt.Errorf("unsupported orbital correction mode %q", p.cfg.Orbital.Mode)
	}
	if err := corrector.Remove(paths); err != nil {
		return err
	}
	p.log.Info().Str("mode", p.cfg.Orbital.Mode).Msg("finished orbital correction")
	p.comm.Barrier()
	return nil
}

// refPhaseStage estimates and removes one reference phase scalar per
// interferogram, then reassembles the full-length correction vector at the
// leader in ascending rank order and persists it once. When the registry
// already marks every interferogram as corrected the stage is a no-op.
func (p *Pipeline) refPhaseStage(paths []string, reg *insar.Registry, refy, refx int) error {
	value, err := cluster.RunOnLeader(p.comm, func() (any, error) {
		return reg.AllRefPhaseRemoved(), nil
	})
	if err != nil {
		return err
	}
	if value.(bool) {
		p.log.Info().Msg("reference phase already removed from all interferograms")
		p.comm.Barrier()
		return nil
	}

	var local []float64
	switch p.cfg.RefPhase.Method {
	case config.RefPhaseMethodNanMask:
		p.log.Info().Msg("computing reference phase via the nan-mask method")
		mask, err := p.phaseSum(paths, reg)
		if err != nil {
			return err
		}
		local, err = p.refPhaseNanMask(paths, mask)
		if err != nil {
			return err
		}
	case config.RefPhaseMethodRefPixel:
		p.log.Info().Msg("computing reference phase via the reference-pixel method")
		local, err = p.refPhaseRefPixel(paths, refy, refx)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("ref phase estimation method must be 1 or 2, got %d", p.cfg.RefPhase.Method)
	}

	full := cluster.GatherOrdered(p.comm, local, tagRefPhase)
	if p.comm.Rank() == cluster.Leader {
		if len(full) != len(paths) {
			return fmt.Errorf("reassembled %d reference phases for %d interferograms", len(full), len(paths))
		}
		if err := insar.WriteGrid(insar.RefPhasePath(p.cfg.Runtime.WorkDir), full, 1, len(full)); err != nil {
			return err
		}
	}
	p.log.Info().Msg("completed reference phase estimation")
	p.comm.Barrier()
	return nil
}

// phaseSum accumulates every worker's shard phase sum at the leader via
// ordered point-to-point messages, derives the global invalid-cell mask,
// and broadcasts the mask to all workers.
func (p *Pipeline) phaseSum(paths []string, reg *insar.Registry) ([]bool, error) {
	first := reg.Ifgs[paths[0]]
	cells := first.Nrows * first.Ncols

	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())
	sum := make([]float64, cells)
	for _, path := range paths[lo:hi] {
		ifg, err := insar.Open(path)
		if err != nil {
			return nil, err
		}
		ifg.NanAndMMConvert()
		for i, v := range ifg.Phase {
			sum[i] += v
		}
		ifg.Close()
	}

	var mask []bool
	if p.comm.Rank() == cluster.Leader {
		total := sum
		for r := 1; r < p.comm.Size(); r++ {
			part := p.comm.Recv(r, tagPhaseSum).([]float64)
			for i, v := range part {
				total[i] += v
			}
		}
		mask = make([]bool, cells)
		for i, v := range total {
			mask[i] = math.IsNaN(v)
		}
	} else {
		p.comm.Send(sum, cluster.Leader, tagPhaseSum)
	}
	mask = p.comm.Bcast(cluster.Leader, mask).([]bool)
	return mask, nil
}

// refPhaseNanMask corrects this worker's shard using the median of each
// interferogram's phase over globally valid cells.
func (p *Pipeline) refPhaseNanMask(paths []string, mask []bool) ([]float64, error) {
	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())
	refPhs := make([]float64, 0, hi-lo)
	for _, path := range paths[lo:hi] {
		ifg, err := insar.Open(path)
		if err != nil {
			return nil, err
		}
		ifg.NanAndMMConvert()

		valid := make([]float64, 0, len(ifg.Phase))
		for i, v := range ifg.Phase {
			if !mask[i] && !math.IsNaN(v) {
				valid = append(valid, v)
			}
		}
		ref := median(valid)
		if math.IsNaN(ref) {
			ifg.Close()
			return nil, fmt.Errorf("no valid cells for reference phase of %s", path)
		}
		if err := applyRefPhase(ifg, ref); err != nil {
			ifg.Close()
			return nil, err
		}
		ifg.Close()
		refPhs = append(refPhs, ref)
	}
	return refPhs, nil
}

// refPhaseRefPixel corrects this worker's shard using the median of the
// patch around the resolved reference pixel. This method is fully local per
// interferogram; no cross-worker reduction is needed.
func (p *Pipeline) refPhaseRefPixel(paths []string, refy, refx int) ([]float64, error) {
	half := p.cfg.RefPixel.ChipSize / 2
	chip := 2*half + 1
	thresh := float64(chip*chip) * p.cfg.RefPixel.MinFrac

	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())
	refPhs := make([]float64, 0, hi-lo)
	for _, path := range paths[lo:hi] {
		ifg, err := insar.Open(path)
		if err != nil {
			return nil, err
		}
		ifg.NanAndMMConvert()

		valid := make([]float64, 0, chip*chip)
		for r := refy - half; r <= refy+half; r++ {
			if r < 0 || r >= ifg.Nrows {
				continue
			}
			for c := refx - half; c <= refx+half; c++ {
				if c < 0 || c >= ifg.Ncols {
					continue
				}
				v := ifg.Phase[r*ifg.Ncols+c]
				if !math.IsNaN(v) {
					valid = append(valid, v)
				}
			}
		}
		if float64(len(valid)) < thresh {
			ifg.Close()
			return nil, fmt.Errorf("reference pixel patch of %s has %d valid cells, need %.0f", path, len(valid), thresh)
		}
		ref := median(valid)
		if err := applyRefPhase(ifg, ref); err != nil {
			ifg.Close()
			return nil, err
		}
		ifg.Close()
		refPhs = append(refPhs, ref)
	}
	return refPhs, nil
}

// applyRefPhase subtracts the scalar correction in place, marks the
// metadata flag and persists the interferogram.
func applyRefPhase(ifg *insar.Ifg, ref float64) error {
	for i, v := range ifg.Phase {
		if !math.IsNaN(v) {
			ifg.Phase[i] = v - ref
		}
	}
	ifg.SetMeta(insar.MetaRefPhase, insar.ValueRemoved)
	return ifg.WriteModifiedPhase()
}

// tilePhaseStage re-persists the (now corrected) phase tiles for the
// estimation dispatch.
func (p *Pipeline) tilePhaseStage(paths []string, tiles []models.Tile) error {
	lo, hi := cluster.SplitRange(len(paths), p.comm.Rank(), p.comm.Size())
	if err := insar.SaveTilePhase(paths[lo:hi], tiles, p.cfg.Runtime.WorkDir); err != nil {
		return err
	}
	p.comm.Barrier()
	return nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
