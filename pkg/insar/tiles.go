package insar

import (
	"fmt"

	"insarrate/internal/models"
)

// CreateTiles decomposes a rows x cols raster into nTileRows x nTileCols
// rectangular tiles. The returned tiles exactly cover the raster with no
// overlap and carry dense stable indices 0..K-1 in row-major tile order.
// Tiling is computed once on the leader and disseminated, so every worker
// uses numerically identical boundaries.
func CreateTiles(rows, cols, nTileRows, nTileCols int) ([]models.Tile, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid raster shape %dx%d", rows, cols)
	}
	if nTileRows <= 0 || nTileCols <= 0 {
		return nil, fmt.Errorf("invalid tile counts %dx%d", nTileRows, nTileCols)
	}
	if nTileRows > rows || nTileCols > cols {
		return nil, fmt.Errorf("tile counts %dx%d exceed raster shape %dx%d",
			nTileRows, nTileCols, rows, cols)
	}

	tiles := make([]models.Tile, 0, nTileRows*nTileCols)
	index := 0
	for tr := 0; tr < nTileRows; tr++ {
		rowStart, rowEnd := span(rows, tr, nTileRows)
		for tc := 0; tc < nTileCols; tc++ {
			colStart, colEnd := span(cols, tc, nTileCols)
			tiles = append(tiles, models.Tile{
				Index:    index,
				RowStart: rowStart,
				RowEnd:   rowEnd,
				ColStart: colStart,
				ColEnd:   colEnd,
			})
			index++
		}
	}
	return tiles, nil
}

// span bounds the k-th of n contiguous divisions of extent, the first
// extent%n divisions taking one extra cell.
func span(extent, k, n int) (start, end int) {
	q, r := extent/n, extent%n
	start = k*q + min(k, r)
	end = start + q
	if k < r {
		end++
	}
	return start, end
}
