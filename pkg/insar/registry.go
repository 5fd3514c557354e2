package insar

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"insarrate/internal/models"
)

// Registry is the globally shared preread state: one payload-free snapshot
// per interferogram plus three global keys populated once by the leader.
// After the registry-build stage every worker holds an identical copy,
// obtained by reloading the leader's published file behind a barrier rather
// than by broadcast, to bound message size.
type Registry struct {
	// Ifgs maps interferogram path to its preread snapshot
	Ifgs map[string]models.PrereadIfg

	// Epochs is the global epoch list extracted from the whole stack
	Epochs models.EpochList

	// GeoTransform is the shared six-element affine geotransform
	GeoTransform [6]float64

	// Projection is the well-known-text spatial reference
	Projection string
}

// Paths returns the canonical (sorted) interferogram path order. All
// full-length scalar arrays in the pipeline are indexed in this order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.Ifgs))
	for p := range r.Ifgs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// SortedIfgs returns the snapshots in canonical path order.
func (r *Registry) SortedIfgs() []models.PrereadIfg {
	paths := r.Paths()
	out := make([]models.PrereadIfg, len(paths))
	for i, p := range paths {
		out[i] = r.Ifgs[p]
	}
	return out
}

// AllRefPhaseRemoved reports whether every snapshot already marks the
// reference phase as removed, which makes the whole reference-phase state a
// no-op.
func (r *Registry) AllRefPhaseRemoved() bool {
	if len(r.Ifgs) == 0 {
		return false
	}
	for _, ifg := range r.Ifgs {
		if ifg.Metadata[MetaRefPhase] != ValueRemoved {
			return false
		}
	}
	return true
}

// Preread builds the payload-free snapshot for one opened interferogram.
func Preread(f *Ifg) models.PrereadIfg {
	md := make(map[string]string, len(f.Header.Metadata))
	for k, v := range f.Header.Metadata {
		md[k] = v
	}
	return models.PrereadIfg{
		Path:        f.Path,
		NanFraction: f.NanFraction(),
		Master:      f.Header.Master,
		Slave:       f.Header.Slave,
		TimeSpan:    f.TimeSpan(),
		Nrows:       f.Nrows,
		Ncols:       f.Ncols,
		Metadata:    md,
	}
}

// PublishRegistry writes the registry to path as a single atomic, durable
// publish: encode to a temporary file, fsync it, then rename into place.
// Only after PublishRegistry returns may the publishing worker signal the
// stage barrier; a worker that reads before then will either see the
// previous complete file or nothing, never a partial write.
func PublishRegistry(path string, reg *Registry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "registry-*")
	if err != nil {
		return fmt.Errorf("failed to create registry temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(reg); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close registry temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish registry: %w", err)
	}
	return nil
}

// LoadRegistry reads a published registry. A missing or truncated file is a
// fatal synchronization failure: the caller reached this read past a barrier
// that should only release after the publish is durable.
func LoadRegistry(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry not readable past barrier: %w", err)
	}
	defer file.Close()

	var reg Registry
	if err := gob.NewDecoder(file).Decode(&reg); err != nil {
		return nil, fmt.Errorf("registry corrupt or partially written: %w", err)
	}
	return &reg, nil
}
