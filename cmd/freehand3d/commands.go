package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"freehand3d/pkg/config"
	"freehand3d/pkg/store"
)

// --- Global Command Variables ---
var (
	configPath string
	verbose    bool

	inputPath     string
	outputPath    string
	extractSlices bool
	cropSlices    bool
	slicesDir     string
	sliceFormat   string
	liveDuration  time.Duration
	frameCount    int
	historyLimit  int

	cfg    *config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "freehand3d",
		Short: "Freehand 3D ultrasound volume reconstruction",
		Long: `freehand3d compounds tracked 2D ultrasound frames into a 3D voxel volume,
either from a recorded sequence file or live from a tracked probe.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			level := slog.LevelInfo
			if verbose || cfg.Output.Verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	// --- Reconstruction ---
	reconstructCmd = &cobra.Command{
		Use:   "reconstruct",
		Short: "Reconstruct a volume from a tracked sequence metafile",
		RunE:  runReconstruct, // Defined in cmd_reconstruct.go
	}
	liveCmd = &cobra.Command{
		Use:   "live",
		Short: "Reconstruct live from the simulated probe and tracker",
		RunE:  runLive, // Defined in cmd_live.go
	}
	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Record a tracked sequence from the simulated probe and tracker",
		RunE:  runSimulate, // Defined in cmd_live.go
	}

	// --- Job history ---
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded reconstruction jobs",
		RunE:  runHistory, // Defined in cmd_history.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(configPath); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", configPath)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "freehand3d.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(reconstructCmd)
	reconstructCmd.Flags().StringVarP(&inputPath, "input", "i", "", "Tracked sequence metafile (.mha)")
	reconstructCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output volume metafile (default <output.directory>/volume.mha)")
	reconstructCmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "Save reconstructed slices along all axes")
	reconstructCmd.Flags().StringVar(&slicesDir, "slices-dir", "reconstructed_slices", "Directory for extracted slices, under the output directory")
	reconstructCmd.Flags().StringVar(&sliceFormat, "slice-format", "png", "Slice image format: png or jpg")
	reconstructCmd.Flags().BoolVar(&cropSlices, "crop-slices", false, "Export only the region covered by frames")
	_ = reconstructCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(liveCmd)
	liveCmd.Flags().DurationVar(&liveDuration, "duration", 10*time.Second, "How long to acquire before stopping")
	liveCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output volume metafile (default <output.directory>/live.mha)")
	liveCmd.Flags().BoolVar(&extractSlices, "extract-slices", false, "Save reconstructed slices along all axes")
	liveCmd.Flags().StringVar(&slicesDir, "slices-dir", "reconstructed_slices", "Directory for extracted slices, under the output directory")
	liveCmd.Flags().StringVar(&sliceFormat, "slice-format", "png", "Slice image format: png or jpg")

	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVarP(&frameCount, "frames", "n", 100, "Number of frames to record")
	simulateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output sequence metafile (default <output.directory>/sequence.mha)")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of jobs to list, 0 for all")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

// openStore opens the job history when one is configured. A nil store
// means history is disabled.
func openStore() (*store.Store, error) {
	if cfg.Store.Path == "" {
		return nil, nil
	}
	s, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open job history: %w", err)
	}
	return s, nil
}
