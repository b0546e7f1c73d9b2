package device

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"freehand3d/internal/models"
	"freehand3d/internal/timeutil"
	"freehand3d/pkg/config"
)

// Intensities of the simulated phantom.
const (
	phantomInside  = 200
	phantomOutside = 40
)

// Sweep moves the simulated probe back and forth along z between 0 and
// Depth millimetres at Speed millimetres per second, starting at Start.
type Sweep struct {
	Start float64
	Speed float64
	Depth float64
}

// Offset returns the z position of the probe at timestamp ts.
func (s Sweep) Offset(ts float64) float64 {
	if s.Depth <= 0 || s.Speed <= 0 {
		return 0
	}
	travel := math.Mod(math.Max(ts-s.Start, 0)*s.Speed, 2*s.Depth)
	if travel > s.Depth {
		return 2*s.Depth - travel
	}
	return travel
}

// SweepFor builds the sweep used by a simulated probe and tracker pair.
// The depth matches the smaller side of the image.
func SweepFor(sim config.Simulation, start float64) Sweep {
	side := float64(min(sim.ImageWidth, sim.ImageHeight)) * sim.PixelSpacing
	return Sweep{Start: start, Speed: sim.SweepSpeed, Depth: side}
}

// SimulatedProbe images a spherical phantom that fills the swept region.
// Acquisition is paced to the configured frame rate.
type SimulatedProbe struct {
	cfg     config.Simulation
	sweep   Sweep
	clock   timeutil.Clock
	limiter *rate.Limiter
}

// NewSimulatedProbe creates a probe. A non-positive frame rate disables pacing.
func NewSimulatedProbe(cfg config.Simulation, sweep Sweep, clock timeutil.Clock) (*SimulatedProbe, error) {
	if cfg.ImageWidth <= 0 || cfg.ImageHeight <= 0 || cfg.PixelSpacing <= 0 {
		return nil, errors.New("simulated probe needs a positive image size and pixel spacing")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	limit := rate.Inf
	if cfg.FrameRate > 0 {
		limit = rate.Limit(cfg.FrameRate)
	}
	return &SimulatedProbe{cfg: cfg, sweep: sweep, clock: clock, limiter: rate.NewLimiter(limit, 1)}, nil
}

// ID names the probe.
func (p *SimulatedProbe) ID() string { return "simulated-probe" }

// NextImage waits for the next acquisition slot and renders the phantom
// cross section at the current probe position.
func (p *SimulatedProbe) NextImage(ctx context.Context) (models.Image, float64, error) {
	if err := p.wait(ctx); err != nil {
		return models.Image{}, 0, err
	}
	ts := timeutil.Seconds(p.clock.Now())
	return p.Render(p.sweep.Offset(ts)), ts, nil
}

// wait blocks until the limiter grants the next acquisition slot. Only
// cancellation of ctx ends it early, even when the slot lies past the
// deadline of ctx.
func (p *SimulatedProbe) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := p.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Render draws the phantom cross section in the plane at height z.
func (p *SimulatedProbe) Render(z float64) models.Image {
	w, h, s := p.cfg.ImageWidth, p.cfg.ImageHeight, p.cfg.PixelSpacing
	img := models.NewImage(w, h, models.PixelUint8)

	radius := p.sweep.Depth / 2
	cx, cy, cz := float64(w-1)*s/2, float64(h-1)*s/2, radius
	dz := z - cz
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)*s-cx, float64(y)*s-cy
			v := float64(phantomOutside)
			if dx*dx+dy*dy+dz*dz <= radius*radius {
				v = phantomInside
			}
			img.Set(x, y, v)
		}
	}
	return img
}

// SimulatedTracker reports the probe pose along the sweep. Every
// DropoutInterval-th reading is flagged invalid, as when the marker leaves
// the tracker's field of view.
type SimulatedTracker struct {
	name     models.TransformName
	sweep    Sweep
	interval int
	reads    atomic.Uint64
}

// NewSimulatedTracker creates a tracker reporting the name transform.
func NewSimulatedTracker(name models.TransformName, sweep Sweep, dropoutInterval int) *SimulatedTracker {
	return &SimulatedTracker{name: name, sweep: sweep, interval: dropoutInterval}
}

// ID names the tracker.
func (t *SimulatedTracker) ID() string { return "simulated-tracker" }

// Pose returns a translation to the sweep position at timestamp.
func (t *SimulatedTracker) Pose(timestamp float64) (models.TransformName, models.Matrix, bool, error) {
	n := t.reads.Add(1)
	valid := t.interval <= 0 || n%uint64(t.interval) != 0
	return t.name, models.Translation(0, 0, t.sweep.Offset(timestamp)), valid, nil
}
