// Package insar provides the interferogram abstraction and the shared
// spatial/temporal building blocks of the pipeline: file-backed phase
// rasters with metadata sidecars, raster tiling, epoch utilities, the
// preread registry and the persisted-grid container used for all
// intermediate artifacts.
package insar

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Metadata keys carried in the interferogram header sidecar.
const (
	MetaUnits        = "PHASE_UNITS"
	MetaNanConverted = "NAN_CONVERTED"
	MetaRefPhase     = "REFERENCE_PHASE"
	MetaMaxvar       = "MAXVAR"
	MetaAlpha        = "ALPHA"
)

// Metadata values.
const (
	UnitsRadians    = "RADIANS"
	UnitsMillimetre = "MILLIMETRES"
	ValueRemoved    = "REMOVED"
	ValueConverted  = "CONVERTED"
)

// phaseMagic identifies the binary phase payload format.
const phaseMagic = uint32(0x49464731) // "IFG1"

// Header is the YAML sidecar stored next to each phase payload. It carries
// the acquisition epochs, georeferencing and the mutable metadata map.
type Header struct {
	// Master and Slave are the two acquisition epochs forming the interferogram
	Master time.Time `yaml:"master"`
	Slave  time.Time `yaml:"slave"`

	// Wavelength is the radar wavelength in metres, used for mm conversion
	Wavelength float64 `yaml:"wavelength"`

	// XSize and YSize are the pixel dimensions in metres
	XSize float64 `yaml:"xSize"`
	YSize float64 `yaml:"ySize"`

	// XFirst and YFirst locate the raster origin
	XFirst float64 `yaml:"xFirst"`
	YFirst float64 `yaml:"yFirst"`

	// Nodata is the raw value marking missing phase observations
	Nodata float64 `yaml:"nodata"`

	// Projection is the well-known-text spatial reference
	Projection string `yaml:"projection"`

	// Metadata holds the mutable processing flags and fitted scalars
	Metadata map[string]string `yaml:"metadata"`
}

// Ifg is an opened interferogram: a phase raster plus its header. An Ifg is
// owned exclusively by the worker that opened it and must be closed before
// the path is reused elsewhere. Correction stages mutate Phase in place and
// persist it with WriteModifiedPhase.
type Ifg struct {
	Path  string
	Nrows int
	Ncols int

	// Phase is the raster in row-major order, radians or millimetres
	// depending on the units metadata
	Phase []float64

	Header Header

	open         bool
	nanConverted bool
}

// Open reads an interferogram's payload and header from disk.
func Open(path string) (*Ifg, error) {
	hdr, err := readHeader(headerPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read interferogram header: %w", err)
	}
	phase, rows, cols, err := readPhase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read interferogram phase: %w", err)
	}
	return &Ifg{
		Path:         path,
		Nrows:        rows,
		Ncols:        cols,
		Phase:        phase,
		Header:       hdr,
		open:         true,
		nanConverted: hdr.Metadata[MetaNanConverted] == ValueConverted,
	}, nil
}

// Close releases the raster payload. The Ifg must not be used afterwards.
func (f *Ifg) Close() {
	f.Phase = nil
	f.open = false
}

// NumCells returns the raster cell count.
func (f *Ifg) NumCells() int { return f.Nrows * f.Ncols }

// XCentre returns the column index of the raster centre.
func (f *Ifg) XCentre() int { return f.Ncols / 2 }

// YCentre returns the row index of the raster centre.
func (f *Ifg) YCentre() int { return f.Nrows / 2 }

// TimeSpan returns the master-slave separation in years.
func (f *Ifg) TimeSpan() float64 {
	return f.Header.Slave.Sub(f.Header.Master).Hours() / 24.0 / 365.25
}

// NanFraction returns the fraction of cells that are missing, counting both
// NaN cells and raw nodata cells.
func (f *Ifg) NanFraction() float64 {
	if f.NumCells() == 0 {
		return 0
	}
	missing := 0
	for _, v := range f.Phase {
		if math.IsNaN(v) || (!f.nanConverted && v == f.Header.Nodata) {
			missing++
		}
	}
	return float64(missing) / float64(f.NumCells())
}

// ConvertToNaNs replaces raw nodata cells with NaN. Subsequent calls are
// no-ops; the conversion state is recorded in metadata and survives a
// write-reopen cycle.
func (f *Ifg) ConvertToNaNs() {
	if f.nanConverted || f.Header.Metadata[MetaNanConverted] == ValueConverted {
		f.nanConverted = true
		return
	}
	for i, v := range f.Phase {
		if v == f.Header.Nodata {
			f.Phase[i] = math.NaN()
		}
	}
	f.setMeta(MetaNanConverted, ValueConverted)
	f.nanConverted = true
}

// ConvertToMM scales radian phase to millimetres of line-of-sight
// displacement using the radar wavelength. Already-converted rasters are
// left untouched.
func (f *Ifg) ConvertToMM() {
	if f.Header.Metadata[MetaUnits] == UnitsMillimetre {
		return
	}
	factor := f.Header.Wavelength * 1000.0 / (4.0 * math.Pi)
	for i, v := range f.Phase {
		f.Phase[i] = v * factor
	}
	f.setMeta(MetaUnits, UnitsMillimetre)
}

// NanAndMMConvert applies both standard unit conversions in order.
func (f *Ifg) NanAndMMConvert() {
	f.ConvertToNaNs()
	f.ConvertToMM()
}

// SetMeta records a metadata key in the header. The value is only persisted
// by WriteModifiedPhase.
func (f *Ifg) SetMeta(key, value string) { f.setMeta(key, value) }

func (f *Ifg) setMeta(key, value string) {
	if f.Header.Metadata == nil {
		f.Header.Metadata = make(map[string]string)
	}
	f.Header.Metadata[key] = value
}

// Meta returns a metadata value, or the empty string when absent.
func (f *Ifg) Meta(key string) string { return f.Header.Metadata[key] }

// WriteModifiedPhase persists the in-memory phase raster and header back to
// the interferogram's backing files.
func (f *Ifg) WriteModifiedPhase() error {
	if !f.open {
		return fmt.Errorf("write on closed interferogram %s", f.Path)
	}
	return Write(f.Path, f.Phase, f.Nrows, f.Ncols, f.Header)
}

// Write creates (or replaces) an interferogram on disk: binary phase payload
// at path and YAML header sidecar next to it.
func Write(path string, phase []float64, rows, cols int, hdr Header) error {
	if len(phase) != rows*cols {
		return fmt.Errorf("phase length %d does not match %dx%d raster", len(phase), rows, cols)
	}
	if err := writePhase(path, phase, rows, cols); err != nil {
		return fmt.Errorf("failed to write phase payload: %w", err)
	}
	if err := writeHeader(headerPath(path), hdr); err != nil {
		return fmt.Errorf("failed to write header sidecar: %w", err)
	}
	return nil
}

// Base returns the artifact naming stem for an interferogram path: the file
// name with its extension removed.
func Base(path string) string {
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func headerPath(path string) string { return path + ".yaml" }

func readHeader(path string) (Header, error) {
	var hdr Header
	data, err := os.ReadFile(path)
	if err != nil {
		return hdr, err
	}
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return hdr, fmt.Errorf("error parsing header: %w", err)
	}
	if hdr.Metadata == nil {
		hdr.Metadata = make(map[string]string)
	}
	return hdr, nil
}

func writeHeader(path string, hdr Header) error {
	data, err := yaml.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("error marshaling header: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func readPhase(path string) ([]float64, int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return nil, 0, 0, err
	}
	if magic != phaseMagic {
		return nil, 0, 0, fmt.Errorf("%s is not an interferogram payload", path)
	}
	var rows, cols int64
	if err := binary.Read(file, binary.LittleEndian, &rows); err != nil {
		return nil, 0, 0, err
	}
	if err := binary.Read(file, binary.LittleEndian, &cols); err != nil {
		return nil, 0, 0, err
	}
	raw := make([]float32, rows*cols)
	if err := binary.Read(file, binary.LittleEndian, raw); err != nil {
		return nil, 0, 0, err
	}
	phase := make([]float64, len(raw))
	for i, v := range raw {
		phase[i] = float64(v)
	}
	return phase, int(rows), int(cols), nil
}

func writePhase(path string, phase []float64, rows, cols int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := binary.Write(file, binary.LittleEndian, phaseMagic); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, int64(rows)); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, int64(cols)); err != nil {
		return err
	}
	raw := make([]float32, len(phase))
	for i, v := range phase {
		raw[i] = float32(v)
	}
	return binary.Write(file, binary.LittleEndian, raw)
}
