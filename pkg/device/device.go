// Package device assembles tracked frames from an image source and any
// number of pose trackers, and provides simulated devices for testing the
// pipeline without hardware.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"freehand3d/internal/models"
	"freehand3d/pkg/buffer"
)

// ImageSource acquires 2D images.
type ImageSource interface {
	// ID names the device in logs.
	ID() string

	// NextImage blocks until the next image is acquired and returns it with
	// its acquisition timestamp in seconds.
	NextImage(ctx context.Context) (models.Image, float64, error)
}

// Positionable reports the pose of one tracked tool.
type Positionable interface {
	ID() string

	// Pose returns the tool transform at timestamp and whether the tool was
	// visible to the tracker.
	Pose(timestamp float64) (models.TransformName, models.Matrix, bool, error)
}

// FrameSink receives assembled frames. *buffer.Buffer satisfies it.
type FrameSink interface {
	Append(frame *models.TrackedFrame) error
}

// CollectorStats counts collected frames.
type CollectorStats struct {
	Collected  uint64
	Rejected   uint64
	PoseErrors uint64
}

// Collector pairs every image from an ImageSource with the poses of its
// tools at the image timestamp and pushes the result into a FrameSink.
type Collector struct {
	source ImageSource
	tools  []Positionable
	sink   FrameSink
	logger *slog.Logger

	next       atomic.Uint64
	collected  atomic.Uint64
	rejected   atomic.Uint64
	poseErrors atomic.Uint64
}

// NewCollector creates a collector. A nil logger discards output.
func NewCollector(source ImageSource, sink FrameSink, logger *slog.Logger, tools ...Positionable) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{source: source, tools: tools, sink: sink, logger: logger}
}

// Collect acquires one image and assembles it into a tracked frame without
// pushing it anywhere. A tool whose pose cannot be read is left out of the
// frame.
func (c *Collector) Collect(ctx context.Context) (*models.TrackedFrame, error) {
	img, ts, err := c.source.NextImage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire image from %s: %w", c.source.ID(), err)
	}
	frame := &models.TrackedFrame{Image: img, Timestamp: ts, FrameNumber: c.next.Add(1)}
	for _, tool := range c.tools {
		name, m, valid, err := tool.Pose(ts)
		if err != nil {
			c.poseErrors.Add(1)
			c.logger.Warn("failed to read tool pose", "tool", tool.ID(), "error", err)
			continue
		}
		frame.SetTransform(name, m, valid)
	}
	return frame, nil
}

// Run collects frames until ctx is done. Frames the sink refuses are logged
// and counted; acquisition errors end the loop.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started", "source", c.source.ID(), "tools", len(c.tools))
	defer c.logger.Info("collector stopped", "collected", c.collected.Load(), "rejected", c.rejected.Load())

	for {
		frame, err := c.Collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.sink.Append(frame); err != nil {
			c.rejected.Add(1)
			level := slog.LevelWarn
			if errors.Is(err, buffer.ErrOutOfOrder) {
				level = slog.LevelDebug
			}
			c.logger.Log(ctx, level, "frame not buffered", "frame", frame.FrameNumber, "error", err)
			continue
		}
		c.collected.Add(1)
	}
}

// Stats returns the collector counters.
func (c *Collector) Stats() CollectorStats {
	return CollectorStats{
		Collected:  c.collected.Load(),
		Rejected:   c.rejected.Load(),
		PoseErrors: c.poseErrors.Load(),
	}
}
