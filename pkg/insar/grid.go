package insar

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// WriteGrid persists a float64 matrix as a little-endian binary artifact
// with a leading dimensions header. Grids are the write-once intermediate
// currency of the pipeline; each one is produced by exactly one worker in
// one stage and read behind a barrier in a later stage.
func WriteGrid(path string, data []float64, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("grid length %d does not match %dx%d", len(data), rows, cols)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create grid file: %w", err)
	}
	defer file.Close()

	if err := binary.Write(file, binary.LittleEndian, int64(rows)); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, int64(cols)); err != nil {
		return err
	}
	return binary.Write(file, binary.LittleEndian, data)
}

// ReadGrid loads a grid artifact written by WriteGrid.
func ReadGrid(path string) ([]float64, int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open grid file: %w", err)
	}
	defer file.Close()

	var rows, cols int64
	if err := binary.Read(file, binary.LittleEndian, &rows); err != nil {
		return nil, 0, 0, err
	}
	if err := binary.Read(file, binary.LittleEndian, &cols); err != nil {
		return nil, 0, 0, err
	}
	data := make([]float64, rows*cols)
	if err := binary.Read(file, binary.LittleEndian, data); err != nil {
		return nil, 0, 0, err
	}
	return data, int(rows), int(cols), nil
}

// Artifact path helpers. Artifacts are keyed by tile index or interferogram
// basename so that no two workers ever write the same key.

// MSTPath names the per-tile minimum-spanning-tree matrix.
func MSTPath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("mst_mat_%d.grd", tileIndex))
}

// TilePhasePath names the persisted numeric phase of one interferogram tile.
func TilePhasePath(workdir, ifgPath string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("phase_data_%s_%d.grd", Base(ifgPath), tileIndex))
}

// RefPixelBlockPath names the persisted patch of one interferogram around
// one reference-pixel candidate.
func RefPixelBlockPath(workdir, ifgPath string, y, x int) string {
	return filepath.Join(workdir, fmt.Sprintf("ref_phase_data_%s_%d_%d.grd", Base(ifgPath), y, x))
}

// RefPhasePath names the single reference-phase correction vector.
func RefPhasePath(workdir string) string {
	return filepath.Join(workdir, "ref_phs.grd")
}

// CVDDataPath names the per-interferogram autocorrelation-versus-distance
// samples.
func CVDDataPath(workdir, ifgPath string) string {
	return filepath.Join(workdir, fmt.Sprintf("cvd_data_%s.grd", Base(ifgPath)))
}

// LinratePath, LinerrorPath and LinsamplesPath name the per-tile linear-rate
// outputs.
func LinratePath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("linrate_%d.grd", tileIndex))
}

func LinerrorPath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("linerror_%d.grd", tileIndex))
}

func LinsamplesPath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("linsamples_%d.grd", tileIndex))
}

// TSIncrPath and TSCumPath name the per-tile time-series outputs.
func TSIncrPath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("tsincr_%d.grd", tileIndex))
}

func TSCumPath(workdir string, tileIndex int) string {
	return filepath.Join(workdir, fmt.Sprintf("tscuml_%d.grd", tileIndex))
}

// RegistryPath names the serialized preread registry.
func RegistryPath(workdir string) string {
	return filepath.Join(workdir, "preread_ifgs.gob")
}
