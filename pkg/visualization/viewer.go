// Package visualization renders quicklook images of result grids: the
// per-tile rate artifacts are stitched back into the full raster and
// stretched into a grayscale image for a quick visual sanity check of a
// run. Missing pixels render black.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"insarrate/internal/models"
	"insarrate/pkg/insar"
)

// Renderer turns one row-major float64 grid into a grayscale image.
type Renderer struct {
	data []float64
	rows int
	cols int
}

// NewRenderer creates a renderer over a row-major grid.
func NewRenderer(data []float64, rows, cols int) (*Renderer, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("grid length %d does not match %dx%d", len(data), rows, cols)
	}
	return &Renderer{data: data, rows: rows, cols: cols}, nil
}

// Render produces a 16-bit grayscale image with a linear stretch between
// the finite minimum and maximum of the grid. NaN cells come out black, and
// valid cells are lifted off zero so they remain distinguishable from
// missing ones.
func (r *Renderer) Render() image.Image {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range r.data {
		if math.IsNaN(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	img := image.NewGray16(image.Rect(0, 0, r.cols, r.rows))
	span := hi - lo
	for y := 0; y < r.rows; y++ {
		for x := 0; x < r.cols; x++ {
			v := r.data[y*r.cols+x]
			if math.IsNaN(v) || lo > hi {
				img.SetGray16(x, y, color.Gray16{Y: 0})
				continue
			}
			norm := 1.0
			if span > 0 {
				norm = (v - lo) / span
			}
			value := uint16(1 + norm*65534)
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// Save writes an image as JPEG.
func Save(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// StitchTiles reassembles a full rows x cols raster from per-tile grid
// artifacts, loading each tile's file through pathFor.
func StitchTiles(tiles []models.Tile, rows, cols int, pathFor func(tileIndex int) string) ([]float64, error) {
	full := make([]float64, rows*cols)
	for i := range full {
		full[i] = math.NaN()
	}
	for _, tile := range tiles {
		data, tr, tc, err := insar.ReadGrid(pathFor(tile.Index))
		if err != nil {
			return nil, fmt.Errorf("failed to load tile %d: %w", tile.Index, err)
		}
		if tr != tile.Rows() || tc != tile.Cols() {
			return nil, fmt.Errorf("tile %d is %dx%d, want %dx%d", tile.Index, tr, tc, tile.Rows(), tile.Cols())
		}
		for r := 0; r < tr; r++ {
			copy(full[(tile.RowStart+r)*cols+tile.ColStart:(tile.RowStart+r)*cols+tile.ColEnd],
				data[r*tc:(r+1)*tc])
		}
	}
	return full, nil
}

// RateQuicklook stitches the per-tile linear rate artifacts of a run into
// one grayscale image.
func RateQuicklook(workdir string, tiles []models.Tile, rows, cols int) (image.Image, error) {
	full, err := StitchTiles(tiles, rows, cols, func(i int) string {
		return insar.LinratePath(workdir, i)
	})
	if err != nil {
		return nil, err
	}
	renderer, err := NewRenderer(full, rows, cols)
	if err != nil {
		return nil, err
	}
	return renderer.Render(), nil
}
