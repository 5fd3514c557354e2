package models

import (
	"time"
)

// Tile is a rectangular sub-region of the interferogram raster.
// The ordered set of tiles produced for a raster exactly covers it with no
// overlap, and Index is the sole key under which per-tile artifacts are
// persisted, independent of which worker produced them.
type Tile struct {
	// Index is the stable position of this tile in the tiling sequence
	Index int

	// RowStart and RowEnd bound the tile rows as [RowStart, RowEnd)
	RowStart int
	RowEnd   int

	// ColStart and ColEnd bound the tile columns as [ColStart, ColEnd)
	ColStart int
	ColEnd   int
}

// Rows returns the number of raster rows covered by the tile.
func (t Tile) Rows() int { return t.RowEnd - t.RowStart }

// Cols returns the number of raster columns covered by the tile.
func (t Tile) Cols() int { return t.ColEnd - t.ColStart }

// PrereadIfg is an immutable, payload-free snapshot of one interferogram.
// It is created exactly once by whichever worker is assigned the path and is
// safe to share between processes because it carries no raster data.
type PrereadIfg struct {
	// Path is the interferogram file the snapshot was taken from
	Path string

	// NanFraction is the fraction of no-data cells in the phase raster
	NanFraction float64

	// Master and Slave are the two acquisition epochs
	Master time.Time
	Slave  time.Time

	// TimeSpan is the master-slave separation in years
	TimeSpan float64

	// Nrows and Ncols are the raster dimensions
	Nrows int
	Ncols int

	// Metadata is a copy of the interferogram metadata at preread time
	Metadata map[string]string
}

// EpochList holds the sorted unique acquisition dates of a stack and the
// span of each date, in years, from the first.
type EpochList struct {
	Dates []time.Time
	Spans []float64
}
