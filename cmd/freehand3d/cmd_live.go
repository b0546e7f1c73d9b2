package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"freehand3d/internal/models"
	"freehand3d/internal/timeutil"
	"freehand3d/pkg/buffer"
	"freehand3d/pkg/config"
	"freehand3d/pkg/device"
	"freehand3d/pkg/job"
	"freehand3d/pkg/metafile"
	"freehand3d/pkg/transform"
)

func imageToProbe() models.TransformName {
	return models.NewTransformName(cfg.Reconstruction.ImageCoordinateFrame, "Probe")
}

func probeToReference() models.TransformName {
	return models.NewTransformName("Probe", cfg.Reconstruction.ReferenceCoordinateFrame)
}

// calibration scales image pixels to millimetres in the probe frame.
func calibration() models.Matrix {
	s := cfg.Simulation.PixelSpacing
	return models.Scaling(s, s, s)
}

// liveGraph loads the configured coordinate definitions and falls back to
// the simulated probe calibration when none maps the image to the probe.
func liveGraph() (*transform.Graph, error) {
	graph := transform.NewGraph(logger)
	if err := graph.ReadConfiguration(cfg.Transforms); err != nil {
		return nil, fmt.Errorf("failed to load coordinate definitions: %w", err)
	}
	name := imageToProbe()
	if graph.IsExistingTransform(name) == nil {
		return graph, nil
	}
	logger.Debug("no probe calibration configured, using pixel spacing", "transform", name)
	if err := graph.SetTransform(name, calibration(), true); err != nil {
		return nil, err
	}
	if err := graph.SetTransformPersistent(name, true); err != nil {
		return nil, err
	}
	return graph, nil
}

// sweptExtent fixes the output grid to the region the simulated probe
// covers, unless the configuration already sets one.
func sweptExtent(sweep device.Sweep) *config.Reconstruction {
	rc := cfg.Reconstruction
	if len(rc.OutputDimensions) != 0 {
		return &rc
	}
	sim := cfg.Simulation
	span := [3]float64{
		float64(sim.ImageWidth-1) * sim.PixelSpacing,
		float64(sim.ImageHeight-1) * sim.PixelSpacing,
		sweep.Depth,
	}
	rc.OutputOrigin = []float64{0, 0, 0}
	rc.OutputDimensions = make([]int, 3)
	for i := range 3 {
		rc.OutputDimensions[i] = int(math.Floor(span[i]/rc.OutputSpacing[i])) + 1
	}
	return &rc
}

func runLive(cmd *cobra.Command, args []string) error {
	clock := timeutil.RealClock{}
	sim := cfg.Simulation
	sweep := device.SweepFor(sim, timeutil.Seconds(clock.Now()))

	probe, err := device.NewSimulatedProbe(sim, sweep, clock)
	if err != nil {
		return err
	}
	tracker := device.NewSimulatedTracker(probeToReference(), sweep, sim.DropoutInterval)
	buf := buffer.New(cfg.Buffer, logger)
	collector := device.NewCollector(probe, buf, logger, tracker)

	graph, err := liveGraph()
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	sink := job.NewChannelSink(cfg.Job.ReplyQueueSize)
	opts := []job.Option{job.WithLogger(logger), job.WithClock(clock), job.WithSink(sink)}
	if st != nil {
		defer st.Close()
		opts = append(opts, job.WithRecorder(st))
	}
	manager := job.NewManager(cfg, opts...)

	out := outputPath
	if out == "" {
		out = filepath.Join(cfg.Output.Directory, "live.mha")
	}
	id, err := manager.Start(job.Params{
		Source:         buf,
		Graph:          graph,
		Reconstruction: sweptExtent(sweep),
		OutputPath:     out,
		SendVolume:     extractSlices,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Live reconstruction job %s started, acquiring for %s\n", id, liveDuration)

	ctx, cancel := context.WithTimeout(cmd.Context(), liveDuration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collector.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })
	if addr := cfg.Metrics.Address; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(manager.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Drain what the collector buffered after the last scheduled cycle,
	// then stop and let one more cycle deliver the result.
	pending := buf.Len()
	newest, haveNewest := buf.NewestTimestamp()
	final := context.Background()
	if err := manager.Cycle(final); err != nil {
		return err
	}
	status, err := manager.GetStatus(id)
	if err != nil {
		return err
	}
	if status.State == job.StateFailed {
		return fmt.Errorf("live reconstruction failed: %s", status.Reason)
	}
	if err := manager.Stop(id); err != nil {
		return err
	}
	if err := manager.Cycle(final); err != nil {
		return err
	}

	status, err = manager.GetStatus(id)
	if err != nil {
		return err
	}
	cs := collector.Stats()
	bs := buf.Stats()
	fmt.Printf("\nAcquired %d frames (%d rejected by the buffer, %d tracker errors)\n",
		cs.Collected, cs.Rejected, cs.PoseErrors)
	fmt.Printf("Buffer: %d appended, %d reordered, %d evicted\n", bs.Appended, bs.Reordered, bs.Dropped)
	if haveNewest {
		fmt.Printf("%d frames were still buffered at the deadline, newest at %.3f s, last processed at %.3f s\n",
			pending, newest, status.LastProcessedTimestamp)
	}
	fmt.Printf("Job %s %s: %d inserted, %d skipped, %d discarded\n",
		id, status.State, status.FramesInserted, status.FramesSkipped, status.FramesDiscarded)

	select {
	case reply := <-sink.C():
		if !reply.Success {
			return fmt.Errorf("live reconstruction failed: %s", reply.Message)
		}
		fmt.Println(reply.Message)
		if extractSlices && reply.Volume != nil {
			saveSlices(reply.Volume, nil)
		}
	default:
		if status.State == job.StateFailed {
			return fmt.Errorf("live reconstruction failed: %s", status.Reason)
		}
	}
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if frameCount <= 0 {
		return fmt.Errorf("--frames must be positive")
	}
	sim := cfg.Simulation
	step := time.Second / 20
	if sim.FrameRate > 0 {
		step = time.Duration(float64(time.Second) / sim.FrameRate)
	}
	clock := timeutil.NewMockClock(time.Now())
	sweep := device.SweepFor(sim, timeutil.Seconds(clock.Now()))

	// The mock clock sets the timestamps, so acquisition need not be paced.
	unpaced := sim
	unpaced.FrameRate = 0
	probe, err := device.NewSimulatedProbe(unpaced, sweep, clock)
	if err != nil {
		return err
	}
	tracker := device.NewSimulatedTracker(probeToReference(), sweep, sim.DropoutInterval)
	collector := device.NewCollector(probe, nil, logger, tracker)

	calib := calibration()
	frames := make([]*models.TrackedFrame, 0, frameCount)
	for range frameCount {
		frame, err := collector.Collect(cmd.Context())
		if err != nil {
			return err
		}
		frame.SetTransform(imageToProbe(), calib, true)
		frames = append(frames, frame)
		clock.Advance(step)
	}

	out := outputPath
	if out == "" {
		out = filepath.Join(cfg.Output.Directory, "sequence.mha")
	}
	if err := metafile.WriteSequence(out, frames, cfg.Output.Compressed); err != nil {
		return err
	}
	fmt.Printf("Recorded %d simulated frames to %s\n", len(frames), out)
	return nil
}
