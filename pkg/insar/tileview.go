package insar

import (
	"fmt"
	"time"

	"insarrate/internal/models"
)

// TileView is a tile-scoped view of one interferogram's phase, constructed
// from the persisted numeric phase and the registry so no raster re-opening
// is needed for metadata.
type TileView struct {
	Path     string
	Tile     models.Tile
	Master   time.Time
	Slave    time.Time
	TimeSpan float64

	// Phase is the tile's phase in row-major order, Tile.Rows() x Tile.Cols()
	Phase []float64
}

// NewTileView loads the persisted phase tile for one interferogram and
// attaches the registry metadata.
func NewTileView(workdir, ifgPath string, tile models.Tile, reg *Registry) (*TileView, error) {
	pre, ok := reg.Ifgs[ifgPath]
	if !ok {
		return nil, fmt.Errorf("interferogram %s missing from registry", ifgPath)
	}
	phase, rows, cols, err := ReadGrid(TilePhasePath(workdir, ifgPath, tile.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to load phase tile %d of %s: %w", tile.Index, ifgPath, err)
	}
	if rows != tile.Rows() || cols != tile.Cols() {
		return nil, fmt.Errorf("phase tile %d of %s is %dx%d, want %dx%d",
			tile.Index, ifgPath, rows, cols, tile.Rows(), tile.Cols())
	}
	return &TileView{
		Path:     ifgPath,
		Tile:     tile,
		Master:   pre.Master,
		Slave:    pre.Slave,
		TimeSpan: pre.TimeSpan,
		Phase:    phase,
	}, nil
}

// SaveTilePhase converts each interferogram's raster into persisted numeric
// tile grids so tiled readers elsewhere can load any tile cheaply. The phase
// is nan- and mm-converted before persisting.
func SaveTilePhase(ifgPaths []string, tiles []models.Tile, workdir string) error {
	for _, path := range ifgPaths {
		ifg, err := Open(path)
		if err != nil {
			return err
		}
		ifg.NanAndMMConvert()
		for _, tile := range tiles {
			patch := ExtractTile(ifg.Phase, ifg.Ncols, tile)
			if err := WriteGrid(TilePhasePath(workdir, path, tile.Index), patch, tile.Rows(), tile.Cols()); err != nil {
				ifg.Close()
				return err
			}
		}
		ifg.Close()
	}
	return nil
}

// ExtractTile copies a tile's cells out of a full row-major raster.
func ExtractTile(data []float64, ncols int, tile models.Tile) []float64 {
	out := make([]float64, 0, tile.Rows()*tile.Cols())
	for r := tile.RowStart; r < tile.RowEnd; r++ {
		out = append(out, data[r*ncols+tile.ColStart:r*ncols+tile.ColEnd]...)
	}
	return out
}
