package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"freehand3d/internal/models"
	"freehand3d/pkg/job"
	"freehand3d/pkg/metafile"
	"freehand3d/pkg/transform"
	"freehand3d/pkg/visualization"
)

func runReconstruct(cmd *cobra.Command, args []string) error {
	frames, err := metafile.ReadSequence(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	graph := transform.NewGraph(logger)
	if err := graph.ReadConfiguration(cfg.Transforms); err != nil {
		return fmt.Errorf("failed to load coordinate definitions: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	opts := []job.Option{job.WithLogger(logger)}
	if st != nil {
		defer st.Close()
		opts = append(opts, job.WithRecorder(st))
	}
	manager := job.NewManager(cfg, opts...)

	out := outputPath
	if out == "" {
		out = filepath.Join(cfg.Output.Directory, "volume.mha")
	}

	fmt.Println("================================")
	fmt.Println("FREEHAND 3D ULTRASOUND VOLUME RECONSTRUCTION")
	fmt.Println("================================")
	fmt.Printf("Input sequence: %s (%d frames)\n", inputPath, len(frames))

	startTime := time.Now()
	result, err := manager.ReconstructBatch(cmd.Context(), frames, graph, out)
	if result == nil {
		return err
	}
	printResult(result, time.Since(startTime))
	if err == nil {
		fmt.Printf("Output volume saved to: %s\n", out)
	}

	if extractSlices {
		saveSlices(result.Volume, result.HitMask)
	}
	return err
}

func printResult(result *job.Result, elapsed time.Duration) {
	g := result.Geometry
	s := result.Statistics
	fmt.Printf("\nReconstruction completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Job ID: %s\n", result.JobID)
	fmt.Printf("Frames inserted: %d, skipped (no valid transform): %d\n", result.FramesInserted, result.FramesSkipped)
	fmt.Printf("Volume: %dx%dx%d voxels, spacing %.3g x %.3g x %.3g mm, origin (%.2f, %.2f, %.2f)\n",
		g.Dims[0], g.Dims[1], g.Dims[2], g.Spacing[0], g.Spacing[1], g.Spacing[2],
		g.Origin[0], g.Origin[1], g.Origin[2])

	fmt.Printf("\nVolume statistics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Coverage: %.2f%% (%d voxels hit)\n", s.Coverage*100, s.HitVoxels)
	fmt.Printf("Intensity mean: %.2f, std dev: %.2f, median: %.2f\n", s.Mean, s.StdDev, s.Median)
	fmt.Printf("Intensity range: [%.2f, %.2f]\n", s.Min, s.Max)
	fmt.Printf("Contributions per hit voxel: %.2f\n", s.MeanHits)
}

// saveSlices writes slice sequences along all axes. With --crop-slices and
// a hit mask, only the box the frames covered is exported. Failures are
// reported and do not fail the command.
func saveSlices(vol, mask *models.Volume) {
	viewer, err := visualization.NewViewer(vol)
	if err != nil {
		logger.Warn("cannot extract slices", "error", err)
		return
	}
	if cropSlices && mask != nil {
		cropped, err := viewer.CropToMask(mask)
		if err != nil {
			logger.Warn("cannot crop slices to the reconstructed region", "error", err)
		} else {
			viewer = cropped
		}
	}
	slicesPath := filepath.Join(cfg.Output.Directory, slicesDir)
	fmt.Println("\nExtracting reconstructed slices along all axes...")
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(slicesPath, axis)
		n, err := viewer.SaveSliceSequence(axis, axisDir, sliceFormat)
		if err != nil {
			logger.Warn("failed to save slices", "axis", axis, "error", err)
			continue
		}
		fmt.Printf("Saved %d %s-axis slices to: %s\n", n, axis, axisDir)
	}
}
