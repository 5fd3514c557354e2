package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"insarrate/pkg/cluster"
	"insarrate/pkg/config"
	"insarrate/pkg/insar"
	"insarrate/pkg/pipeline"
	"insarrate/pkg/visualization"
)

var (
	configPath string
	inputDir   string
	verbose    bool
	quicklook  bool
)

func main() {
	root := &cobra.Command{
		Use:   "insarrate",
		Short: "Estimate ground deformation rates from a stack of interferograms",
		Long: "insarrate runs the full interferogram correction and estimation " +
			"workflow: orbital and reference phase correction, spatial covariance " +
			"estimation, and per-pixel linear rate and time series estimation, " +
			"partitioned over a configurable number of workers.",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults used when empty)")
	root.Flags().StringVarP(&inputDir, "input", "i", "", "Directory containing interferogram files (*.ifg)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.Flags().BoolVar(&quicklook, "quicklook", false, "Write a grayscale preview of the rate map")
	root.MarkFlagRequired("input")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if cfg.Output.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	paths, err := filepath.Glob(filepath.Join(inputDir, "*.ifg"))
	if err != nil {
		return fmt.Errorf("failed to list interferograms: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no interferogram files found in %s", inputDir)
	}
	sort.Strings(paths)
	logger.Info().Int("count", len(paths)).Str("dir", inputDir).Msg("found interferograms")

	start := time.Now()
	result, err := execute(cfg, logger, paths)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("\nProcessing completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Reference pixel: x=%d y=%d\n", result.RefX, result.RefY)
	fmt.Printf("Per-interferogram maximum variance:\n")
	for i, path := range paths {
		fmt.Printf("  %-40s %.6f\n", insar.Base(path), result.Maxvar[i])
	}
	fmt.Printf("Outputs written to: %s\n", cfg.Runtime.WorkDir)

	if quicklook {
		path, err := writeQuicklook(cfg)
		if err != nil {
			return fmt.Errorf("failed to write quicklook: %w", err)
		}
		fmt.Printf("Rate quicklook written to: %s\n", path)
	}
	return nil
}

// writeQuicklook stitches the per-tile rate grids of the finished run into
// one grayscale preview image in the work directory.
func writeQuicklook(cfg *config.Config) (string, error) {
	workdir := cfg.Runtime.WorkDir
	reg, err := insar.LoadRegistry(insar.RegistryPath(workdir))
	if err != nil {
		return "", err
	}
	first := reg.SortedIfgs()[0]
	tiles, err := insar.CreateTiles(first.Nrows, first.Ncols, cfg.Runtime.TileRows, cfg.Runtime.TileCols)
	if err != nil {
		return "", err
	}
	img, err := visualization.RateQuicklook(workdir, tiles, first.Nrows, first.Ncols)
	if err != nil {
		return "", err
	}
	path := filepath.Join(workdir, "linrate_quicklook.jpg")
	return path, visualization.Save(img, path)
}

// execute dispatches the pipeline either on the single-worker substrate or
// on an in-process worker group, returning the leader's result.
func execute(cfg *config.Config, logger zerolog.Logger, paths []string) (*pipeline.Result, error) {
	rows, cols := cfg.Runtime.TileRows, cfg.Runtime.TileCols

	if cfg.Runtime.Workers <= 1 {
		return pipeline.New(cfg, cluster.Local{}, logger).Run(paths, rows, cols)
	}

	group := cluster.NewGroup(cfg.Runtime.Workers)
	var leaderResult *pipeline.Result
	err := group.Run(func(c cluster.Comm) error {
		result, err := pipeline.New(cfg, c, logger).Run(paths, rows, cols)
		if err != nil {
			return err
		}
		if c.Rank() == cluster.Leader {
			leaderResult = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leaderResult, nil
}
