package visualization

import (
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"insarrate/pkg/insar"
)

// TestRendererStretch verifies the linear stretch: the minimum maps near
// black (but not zero), the maximum to white, and NaN to exactly zero.
func TestRendererStretch(t *testing.T) {
	data := []float64{-5, 0, 5, math.NaN()}
	r, err := NewRenderer(data, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	img := r.Render()

	at := func(x, y int) uint16 {
		return img.At(x, y).(color.Gray16).Y
	}
	if at(0, 0) != 1 {
		t.Errorf("Expected minimum to map to 1, got %d", at(0, 0))
	}
	if at(0, 1) != 65535 {
		t.Errorf("Expected maximum to map to 65535, got %d", at(0, 1))
	}
	mid := at(1, 0)
	if mid < 32000 || mid > 33600 {
		t.Errorf("Expected midpoint near half scale, got %d", mid)
	}
	if at(1, 1) != 0 {
		t.Errorf("Expected NaN to render black, got %d", at(1, 1))
	}
}

// TestRendererConstantGrid verifies that a flat grid renders uniformly
// without dividing by a zero span.
func TestRendererConstantGrid(t *testing.T) {
	r, err := NewRenderer([]float64{3, 3, 3, 3}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	img := r.Render()
	v := img.At(0, 0).(color.Gray16).Y
	if v == 0 {
		t.Errorf("Expected valid cells to be lifted off black")
	}
	if img.At(1, 1).(color.Gray16).Y != v {
		t.Errorf("Expected uniform rendering of a constant grid")
	}
}

// TestRendererShapeValidation verifies the length check.
func TestRendererShapeValidation(t *testing.T) {
	if _, err := NewRenderer([]float64{1, 2, 3}, 2, 2); err == nil {
		t.Errorf("Expected error for mismatched grid shape")
	}
}

// TestStitchTiles verifies tile reassembly against a raster numbered by
// cell index.
func TestStitchTiles(t *testing.T) {
	dir := t.TempDir()
	const rows, cols = 4, 6

	full := make([]float64, rows*cols)
	for i := range full {
		full[i] = float64(i)
	}
	tiles, err := insar.CreateTiles(rows, cols, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	pathFor := func(i int) string {
		return filepath.Join(dir, "tile_"+string(rune('a'+i))+".grd")
	}
	for _, tile := range tiles {
		part := insar.ExtractTile(full, cols, tile)
		if err := insar.WriteGrid(pathFor(tile.Index), part, tile.Rows(), tile.Cols()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := StitchTiles(tiles, rows, cols, pathFor)
	if err != nil {
		t.Fatalf("stitching failed: %v", err)
	}
	for i, want := range full {
		if got[i] != want {
			t.Errorf("Expected cell %d = %g, got %g", i, want, got[i])
		}
	}
}

// TestSaveWritesFile verifies the JPEG output path.
func TestSaveWritesFile(t *testing.T) {
	r, err := NewRenderer([]float64{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "quicklook.jpg")
	if err := Save(r.Render(), path); err != nil {
		t.Fatalf("failed to save image: %v", err)
	}
}
