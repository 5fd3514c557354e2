package mst

import (
	"math"
	"testing"
	"time"

	"insarrate/internal/models"
	"insarrate/pkg/insar"
)

func epoch(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

// TestSelectionSpanningTree verifies that Kruskal keeps the cleanest
// connections and closes no cycles. Over three epochs, three interferograms
// form a triangle and exactly one edge, the dirtiest that closes the cycle,
// must be rejected.
func TestSelectionSpanningTree(t *testing.T) {
	e1, e2, e3 := epoch(2006, 8, 28), epoch(2006, 12, 11), epoch(2007, 3, 26)
	ifgs := []models.PrereadIfg{
		{Master: e1, Slave: e2, NanFraction: 0.25},
		{Master: e1, Slave: e3, NanFraction: 0.50},
		{Master: e2, Slave: e3, NanFraction: 0.00},
	}

	selected := Selection(ifgs, nil)
	want := []bool{true, false, true}
	for i := range want {
		if selected[i] != want[i] {
			t.Errorf("Expected selection[%d]=%v, got %v", i, want[i], selected[i])
		}
	}
}

// TestSelectionRespectsUsableFlags verifies that flagged-out interferograms
// never enter the tree and the remainder reconnects what it can.
func TestSelectionRespectsUsableFlags(t *testing.T) {
	e1, e2, e3 := epoch(2006, 8, 28), epoch(2006, 12, 11), epoch(2007, 3, 26)
	ifgs := []models.PrereadIfg{
		{Master: e1, Slave: e2, NanFraction: 0.25},
		{Master: e1, Slave: e3, NanFraction: 0.50},
		{Master: e2, Slave: e3, NanFraction: 0.00},
	}

	selected := Selection(ifgs, []bool{false, true, true})
	if selected[0] {
		t.Errorf("Expected unusable interferogram to be excluded")
	}
	if !selected[1] || !selected[2] {
		t.Errorf("Expected remaining interferograms to form the tree, got %v", selected)
	}
}

// TestTileMatrix verifies the per-pixel selection matrix over a small stack
// with missing observations: fully valid pixels reuse the stack-wide tree,
// pixels with gaps get a tree over the valid subset only, and missing
// observations are never selected.
func TestTileMatrix(t *testing.T) {
	dir := t.TempDir()
	e1, e2, e3 := epoch(2006, 8, 28), epoch(2006, 12, 11), epoch(2007, 3, 26)

	hdr := func(m, s time.Time) insar.Header {
		return insar.Header{
			Master: m, Slave: s,
			Wavelength: 0.0562356, XSize: 90, YSize: 90,
			Nodata: -32767, Projection: "WGS 84",
			Metadata: map[string]string{
				insar.MetaNanConverted: insar.ValueConverted,
				insar.MetaUnits:        insar.UnitsMillimetre,
			},
		}
	}

	write := func(name string, m, s time.Time, phase []float64) string {
		path := dir + "/" + name
		if err := insar.Write(path, phase, 2, 2, hdr(m, s)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		return path
	}

	// a: missing at cell 0, b: missing at cells 0 and 1, c: complete.
	pa := write("a.ifg", e1, e2, []float64{math.NaN(), 1, 2, 3})
	pb := write("b.ifg", e1, e3, []float64{math.NaN(), math.NaN(), 4, 5})
	pc := write("c.ifg", e2, e3, []float64{6, 7, 8, 9})

	paths := []string{pa, pb, pc}
	reg := &insar.Registry{Ifgs: map[string]models.PrereadIfg{}}
	for _, p := range paths {
		ifg, err := insar.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		reg.Ifgs[p] = insar.Preread(ifg)
		ifg.Close()
	}

	tiles, err := insar.CreateTiles(2, 2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := insar.SaveTilePhase(paths, tiles, dir); err != nil {
		t.Fatal(err)
	}

	matrix, err := TileMatrix(tiles[0], paths, reg, dir)
	if err != nil {
		t.Fatalf("failed to compute tile matrix: %v", err)
	}
	if len(matrix) != 3*4 {
		t.Fatalf("Expected 12 entries, got %d", len(matrix))
	}

	cells := 4
	get := func(ifg, cell int) float64 { return matrix[ifg*cells+cell] }

	// Cell 0: only c observes it; a spanning forest over one edge.
	if get(0, 0) != 0 || get(1, 0) != 0 || get(2, 0) != 1 {
		t.Errorf("Expected only the complete interferogram at cell 0, got %v %v %v",
			get(0, 0), get(1, 0), get(2, 0))
	}

	// Cell 1: a and c valid; both join distinct epoch pairs.
	if get(0, 1) != 1 || get(1, 1) != 0 || get(2, 1) != 1 {
		t.Errorf("Expected a and c selected at cell 1, got %v %v %v",
			get(0, 1), get(1, 1), get(2, 1))
	}

	// Cells 2 and 3: fully valid, stack-wide tree excludes the dirtiest
	// cycle-closing edge b.
	for _, cell := range []int{2, 3} {
		if get(0, cell) != 1 || get(1, cell) != 0 || get(2, cell) != 1 {
			t.Errorf("Expected stack-wide tree at cell %d, got %v %v %v",
				cell, get(0, cell), get(1, cell), get(2, cell))
		}
	}
}
