// Package reconstruction compounds tracked 2D ultrasound frames into a 3D
// voxel volume.
//
// The Reconstructor owns a voxel grid of accumulation cells. Every accepted
// frame is placed in the reference coordinate frame through the transform
// graph and rasterized into the grid, either by splatting pixels forward or
// by back-projecting voxels near the image plane. Snapshots of the grid can
// be taken at any time while frames keep arriving.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"
	"freehand3d/pkg/interpolation"
	"freehand3d/pkg/metafile"
	"freehand3d/pkg/transform"
)

var (
	// ErrExtentComputation is returned when no frame can be placed in the
	// reference frame, so no output extent can be derived.
	ErrExtentComputation = errors.New("cannot compute output extent")

	// ErrNoOutputExtent is returned when frames are added or extracted
	// before the output extent has been set.
	ErrNoOutputExtent = errors.New("output extent is not set")

	// ErrTransformUnavailable marks a frame whose image to reference
	// transform is missing or invalid. Such frames are skipped, not failed.
	ErrTransformUnavailable = errors.New("image to reference transform unavailable")
)

// extentTolerance absorbs floating point noise when the extent is an exact
// multiple of the spacing.
const extentTolerance = 1e-6

// Stats counts what the reconstructor has done since the last Reset.
type Stats struct {
	FramesInserted uint64
	FramesSkipped  uint64
	VoxelsTouched  uint64
	PixelsOutside  uint64
}

// Accumulation is a copy of the raw accumulation state of the grid.
type Accumulation struct {
	Geometry    models.Geometry
	Accumulator []float64
	Weight      []float64
	Hits        []uint32
}

// grid holds one accumulator, weight and hit count per voxel, x fastest.
type grid struct {
	geom   models.Geometry
	acc    []float64
	weight []float64
	hits   []uint32
}

func newGrid(g models.Geometry) *grid {
	n := g.NumVoxels()
	return &grid{
		geom:   g,
		acc:    make([]float64, n),
		weight: make([]float64, n),
		hits:   make([]uint32, n),
	}
}

// Reconstructor is the compounding engine. AddTrackedFrame is meant to be
// called from one goroutine while any number of goroutines extract
// snapshots. A snapshot never observes part of a frame.
type Reconstructor struct {
	cfg    config.Reconstruction
	logger *slog.Logger

	imageToReference models.TransformName
	holeFiller       *interpolation.HoleFiller

	mu    sync.RWMutex
	grid  *grid
	stats Stats

	// intensityRange is the widest pixel type range among inserted frames.
	intensityRange float64
}

// NewReconstructor creates a reconstructor for the given configuration.
//
// Parameters:
//   - cfg: reconstruction section of the configuration
//   - logger: structured logger, nil discards output
//
// Returns:
//   - A reconstructor with no output extent. When cfg carries explicit
//     OutputOrigin and OutputDimensions the extent is set immediately.
func NewReconstructor(cfg config.Reconstruction, logger *slog.Logger) (*Reconstructor, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(cfg.OutputSpacing) != 3 {
		return nil, fmt.Errorf("output spacing needs 3 values, got %d", len(cfg.OutputSpacing))
	}
	if cfg.SkipInterval < 1 {
		cfg.SkipInterval = 1
	}
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = runtime.NumCPU()
	}

	r := &Reconstructor{
		cfg:              cfg,
		logger:           logger,
		imageToReference: models.NewTransformName(cfg.ImageCoordinateFrame, cfg.ReferenceCoordinateFrame),
	}
	if cfg.FillHoles {
		r.holeFiller = interpolation.NewHoleFiller(cfg.HoleFillRadius, cfg.NumWorkers)
	}

	if len(cfg.OutputDimensions) == 3 && len(cfg.OutputOrigin) == 3 {
		origin := [3]float64{cfg.OutputOrigin[0], cfg.OutputOrigin[1], cfg.OutputOrigin[2]}
		dims := [3]int{cfg.OutputDimensions[0], cfg.OutputDimensions[1], cfg.OutputDimensions[2]}
		if err := r.SetOutputExtent(origin, dims); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ImageToReference returns the transform name the reconstructor resolves
// for every frame.
func (r *Reconstructor) ImageToReference() models.TransformName {
	return r.imageToReference
}

// SkipInterval returns the configured frame subsampling interval. Callers
// feeding frames process only every SkipInterval-th frame.
func (r *Reconstructor) SkipInterval() int {
	return r.cfg.SkipInterval
}

// HasOutputExtent reports whether the voxel grid exists.
func (r *Reconstructor) HasOutputExtent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grid != nil
}

// SetOutputExtent allocates the voxel grid with an explicit origin and
// dimensions, using the configured spacing. Any previous grid is discarded.
func (r *Reconstructor) SetOutputExtent(origin [3]float64, dims [3]int) error {
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrExtentComputation, i, d)
		}
	}
	g := models.Geometry{
		Origin:  origin,
		Spacing: [3]float64{r.cfg.OutputSpacing[0], r.cfg.OutputSpacing[1], r.cfg.OutputSpacing[2]},
		Dims:    dims,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.grid = newGrid(g)
	r.stats = Stats{}
	r.intensityRange = 0
	r.logger.Info("output extent set",
		"origin", g.Origin, "spacing", g.Spacing, "dimensions", g.Dims)
	return nil
}

// SetOutputExtentFromFrameList sizes the voxel grid to the bounding box of
// every frame that can be placed in the reference frame.
//
// The graph is not modified: each frame's embedded transforms are applied
// to a private copy before its image corners are resolved. Frames without a
// valid transform are ignored here and skipped later by AddTrackedFrame. The
// origin is the minimum corner and each dimension is ceil(extent/spacing)+1,
// so the same frames and graph always give the same geometry.
func (r *Reconstructor) SetOutputExtentFromFrameList(frames []*models.TrackedFrame, graph *transform.Graph) error {
	if graph == nil {
		return fmt.Errorf("%w: no transform graph", ErrExtentComputation)
	}
	work := graph.DeepCopy()

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	used := 0
	for _, frame := range frames {
		if frame == nil {
			continue
		}
		if len(frame.Transforms) > 0 {
			// Failures are logged by the graph; the frame may still resolve.
			_ = work.SetTransforms(frame)
		}
		m, valid, err := work.GetTransform(r.imageToReference)
		if err != nil || !valid {
			continue
		}
		x0, y0, x1, y1 := r.clipRect(frame.Image)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		for _, c := range [4]models.Point3{
			{X: float64(x0), Y: float64(y0)},
			{X: float64(x1 - 1), Y: float64(y0)},
			{X: float64(x0), Y: float64(y1 - 1)},
			{X: float64(x1 - 1), Y: float64(y1 - 1)},
		} {
			p := m.Apply(c)
			for i, v := range [3]float64{p.X, p.Y, p.Z} {
				lo[i] = math.Min(lo[i], v)
				hi[i] = math.Max(hi[i], v)
			}
		}
		used++
	}
	if used == 0 {
		return fmt.Errorf("%w: none of %d frames has a valid %s transform",
			ErrExtentComputation, len(frames), r.imageToReference)
	}

	var dims [3]int
	for i := range dims {
		dims[i] = int(math.Ceil((hi[i]-lo[i])/r.cfg.OutputSpacing[i]-extentTolerance)) + 1
		if dims[i] < 1 {
			dims[i] = 1
		}
	}
	r.logger.Debug("computed extent from frames", "frames", len(frames), "used", used)
	return r.SetOutputExtent(lo, dims)
}

// AddTrackedFrame resolves the frame's image to reference transform through
// graph and compounds the frame into the grid.
//
// A missing or invalid transform is an expected condition during tracking
// dropout: the frame is skipped, counted, and (false, nil) is returned.
// The graph must already reflect the frame's embedded transforms.
func (r *Reconstructor) AddTrackedFrame(frame *models.TrackedFrame, graph *transform.Graph) (bool, error) {
	if frame == nil {
		return false, errors.New("nil frame")
	}
	if err := frame.Image.Validate(); err != nil {
		return false, fmt.Errorf("frame %d: %w", frame.FrameNumber, err)
	}

	m, valid, err := graph.GetTransform(r.imageToReference)
	if err != nil || !valid {
		r.mu.Lock()
		r.stats.FramesSkipped++
		r.mu.Unlock()
		reason := ErrTransformUnavailable
		if err != nil {
			reason = fmt.Errorf("%w: %w", ErrTransformUnavailable, err)
		}
		r.logger.Debug("skipping frame", "frame", frame.FrameNumber, "reason", reason)
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grid == nil {
		return false, ErrNoOutputExtent
	}

	switch r.cfg.Rasterization {
	case config.RasterizationBackward:
		if err := r.backProject(frame.Image, m); err != nil {
			return false, fmt.Errorf("frame %d: %w", frame.FrameNumber, err)
		}
	default:
		r.splat(frame.Image, m)
	}
	r.stats.FramesInserted++
	r.intensityRange = max(r.intensityRange, frame.Image.Type.MaxValue())
	return true, nil
}

// update compounds one contribution into voxel idx. Must be called with the
// write lock held.
func (r *Reconstructor) update(idx int, value, w float64) {
	g := r.grid
	switch r.cfg.Compounding {
	case config.CompoundingLatest:
		g.acc[idx] = value * w
		g.weight[idx] = w
	case config.CompoundingMaximum:
		if g.weight[idx] == 0 || value > g.acc[idx]/g.weight[idx] {
			g.acc[idx] = value
			g.weight[idx] = 1
		}
	default:
		g.acc[idx] += value * w
		g.weight[idx] += w
	}
	if g.hits[idx] == 0 {
		r.stats.VoxelsTouched++
	}
	g.hits[idx]++
}

// clipRect returns the pixel rectangle [x0,x1) x [y0,y1) used from img.
func (r *Reconstructor) clipRect(img models.Image) (x0, y0, x1, y1 int) {
	x0, y0, x1, y1 = 0, 0, img.Width, img.Height
	if len(r.cfg.ClipRectangleSize) == 2 && len(r.cfg.ClipRectangleOrigin) == 2 &&
		r.cfg.ClipRectangleSize[0] > 0 && r.cfg.ClipRectangleSize[1] > 0 {
		x0 = max(x0, r.cfg.ClipRectangleOrigin[0])
		y0 = max(y0, r.cfg.ClipRectangleOrigin[1])
		x1 = min(x1, r.cfg.ClipRectangleOrigin[0]+r.cfg.ClipRectangleSize[0])
		y1 = min(y1, r.cfg.ClipRectangleOrigin[1]+r.cfg.ClipRectangleSize[1])
	}
	return x0, y0, x1, y1
}

// Geometry returns the grid geometry and whether the extent is set.
func (r *Reconstructor) Geometry() (models.Geometry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grid == nil {
		return models.Geometry{}, false
	}
	return r.grid.geom, true
}

// Stats returns a copy of the counters.
func (r *Reconstructor) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Reset clears the grid contents and counters, keeping the geometry.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grid != nil {
		r.grid = newGrid(r.grid.geom)
	}
	r.stats = Stats{}
	r.intensityRange = 0
}

// RawAccumulation copies the accumulation buffers for writers that need the
// uncompounded state.
func (r *Reconstructor) RawAccumulation() (*Accumulation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grid == nil {
		return nil, ErrNoOutputExtent
	}
	return &Accumulation{
		Geometry:    r.grid.geom,
		Accumulator: append([]float64(nil), r.grid.acc...),
		Weight:      append([]float64(nil), r.grid.weight...),
		Hits:        append([]uint32(nil), r.grid.hits...),
	}, nil
}

// ExtractGrayLevels returns an 8-bit snapshot of the compounded volume.
// Compounded intensities are scaled from the widest pixel type range among
// the inserted frames to [0, 255], so 8-bit input is copied as is and
// 16-bit input is divided by 257. Voxels never hit hold the configured background value, unless hole
// filling is enabled and a hit voxel lies within the fill radius. The grid
// itself is never modified.
func (r *Reconstructor) ExtractGrayLevels() (*models.Volume, error) {
	vol, hit, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	if r.holeFiller != nil {
		filled, err := r.holeFiller.Fill(context.Background(), vol, hit)
		if err != nil {
			return nil, fmt.Errorf("failed to fill holes: %w", err)
		}
		r.logger.Debug("filled holes", "voxels", filled)
	}
	return vol, nil
}

// ExtractHitMask returns a volume that is 255 where at least one
// contribution landed and 0 elsewhere.
func (r *Reconstructor) ExtractHitMask() (*models.Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grid == nil {
		return nil, ErrNoOutputExtent
	}
	mask := models.NewVolume(r.grid.geom, 0)
	for i, h := range r.grid.hits {
		if h > 0 {
			mask.Data[i] = 255
		}
	}
	return mask, nil
}

// snapshot converts the grid under the read lock, splitting the z range
// across workers.
func (r *Reconstructor) snapshot() (*models.Volume, []bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grid == nil {
		return nil, nil, ErrNoOutputExtent
	}

	g := r.grid
	scale := 1.0
	if r.intensityRange > 0 {
		scale = 255 / r.intensityRange
	}
	vol := models.NewVolume(g.geom, r.cfg.BackgroundValue)
	hit := make([]bool, len(g.hits))
	sliceSize := g.geom.Dims[0] * g.geom.Dims[1]
	depth := g.geom.Dims[2]

	workers := min(r.cfg.NumWorkers, depth)
	slabsPerWorker := (depth + workers - 1) / workers

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		zStart := w * slabsPerWorker
		zEnd := min(zStart+slabsPerWorker, depth)
		if zStart >= zEnd {
			break
		}
		eg.Go(func() error {
			for i := zStart * sliceSize; i < zEnd*sliceSize; i++ {
				if g.hits[i] == 0 || g.weight[i] <= 0 {
					continue
				}
				hit[i] = true
				vol.Data[i] = toGray(g.acc[i] / g.weight[i] * scale)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return vol, hit, nil
}

func toGray(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// SaveReconstructedVolumeToMetafile writes the current gray level snapshot
// as a MetaImage file. A write failure leaves the in-memory volume intact.
func (r *Reconstructor) SaveReconstructedVolumeToMetafile(path string, compressed bool) error {
	vol, err := r.ExtractGrayLevels()
	if err != nil {
		return err
	}
	if err := metafile.WriteVolume(path, vol, compressed); err != nil {
		return fmt.Errorf("failed to save reconstructed volume: %w", err)
	}
	r.logger.Info("saved reconstructed volume", "path", path, "dimensions", vol.Dims)
	return nil
}
