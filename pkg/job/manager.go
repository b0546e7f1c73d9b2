package job

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"freehand3d/internal/models"
	"freehand3d/internal/timeutil"
	"freehand3d/pkg/config"
	"freehand3d/pkg/metafile"
	"freehand3d/pkg/reconstruction"
	"freehand3d/pkg/transform"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	recordTimeout       = 5 * time.Second
)

// Manager runs reconstruction jobs. Commands (Start, Suspend, Resume, Stop,
// RequestSnapshot) only flip job state and never wait for a running cycle.
// Cycle and Run do the work.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    timeutil.Clock
	sink     ReplySink
	recorder Recorder
	observer FrameObserver
	registry *prometheus.Registry
	metrics  *Metrics

	mu   sync.RWMutex
	jobs map[string]*job
	ids  []string
	// highWater is the newest processed timestamp per frame source, so a
	// restarted job never reprocesses frames an earlier job consumed.
	highWater map[any]float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces the wall clock used for lag and resume timestamps.
func WithClock(clock timeutil.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSink sets the default reply sink.
func WithSink(sink ReplySink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithRecorder persists every job that reaches a terminal state.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithFrameObserver installs a hook called before each frame insertion.
func WithFrameObserver(fn FrameObserver) Option {
	return func(m *Manager) { m.observer = fn }
}

// NewManager creates a manager. cfg supplies the default reconstruction
// settings and the job scheduling parameters; nil uses the defaults.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := &Manager{
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		sink:      discardSink{},
		registry:  prometheus.NewRegistry(),
		jobs:      make(map[string]*job),
		highWater: make(map[any]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.metrics = NewMetrics(m.registry)
	return m
}

// Registry returns the registry holding this manager's metrics.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// reconstructionConfig resolves and validates the settings of one job.
func (m *Manager) reconstructionConfig(override *config.Reconstruction) (config.Reconstruction, error) {
	c := *m.cfg
	if override != nil {
		c.Reconstruction = *override
	}
	if err := c.Validate(); err != nil {
		return config.Reconstruction{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return c.Reconstruction, nil
}

// Start creates a live job and returns its ID. The job is Running right away
// when the settings fix the output extent, otherwise it stays Initializing
// until the first drained batch sizes the grid.
func (m *Manager) Start(p Params) (string, error) {
	if p.Source == nil {
		return "", fmt.Errorf("%w: frame source is required", ErrConfiguration)
	}
	rc, err := m.reconstructionConfig(p.Reconstruction)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	logger := m.logger.With("job", id)
	recon, err := reconstruction.NewReconstructor(rc, logger)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	graph := transform.NewGraph(logger)
	if p.Graph != nil {
		graph = p.Graph.DeepCopy()
	}

	j := &job{
		id:        id,
		params:    p,
		graph:     graph,
		recon:     recon,
		sink:      m.sink,
		startedAt: m.clock.Now(),
		state:     StateInitializing,
		resumedAt: math.Inf(-1),
	}
	if p.Sink != nil {
		j.sink = p.Sink
	}
	if recon.HasOutputExtent() {
		j.state = StateRunning
	}
	if reflect.TypeOf(p.Source).Comparable() {
		j.sourceKey = p.Source
	}

	m.mu.Lock()
	if ts, ok := m.highWater[j.sourceKey]; ok && j.sourceKey != nil {
		j.lastProcessed = ts
		j.haveLatest = true
	}
	m.jobs[id] = j
	m.ids = append(m.ids, id)
	m.mu.Unlock()

	logger.Info("reconstruction job started",
		"state", j.state, "reference", rc.ReferenceCoordinateFrame, "output", p.OutputPath)
	return id, nil
}

func (m *Manager) lookup(id string) (*job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j, nil
}

// Suspend pauses a running job. The job keeps draining its source while
// suspended and discards what it drains, so the buffer does not fill up
// with frames that Resume would reject anyway.
func (m *Manager) Suspend(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !j.setState(StateRunning, StateSuspended) {
		return fmt.Errorf("%w: cannot suspend a %s job", ErrInvalidTransition, j.getState())
	}
	m.logger.Info("reconstruction job suspended", "job", id)
	return nil
}

// Resume continues a suspended job. Frames acquired before this call are
// never applied.
func (m *Manager) Resume(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateSuspended {
		return fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, j.state)
	}
	j.state = StateRunning
	j.resumedAt = timeutil.Seconds(m.clock.Now())
	m.logger.Info("reconstruction job resumed", "job", id, "resumed_at", j.resumedAt)
	return nil
}

// Stop asks a job to finish. The running cycle completes its current frame,
// then the results are saved and sent. Stopping a stopping job is a no-op.
func (m *Manager) Stop(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateStopping:
		return nil
	case StateInitializing, StateRunning, StateSuspended:
		j.state = StateStopping
		m.logger.Info("reconstruction job stopping", "job", id)
		return nil
	default:
		return fmt.Errorf("%w: cannot stop a %s job", ErrInvalidTransition, j.state)
	}
}

// RequestSnapshot asks for the current gray levels. The next cycle delivers
// them to the job's sink.
func (m *Manager) RequestSnapshot(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s := j.getState(); s.Terminal() || s == StateStopping {
		return fmt.Errorf("%w: cannot snapshot a %s job", ErrInvalidTransition, s)
	}
	j.snapshotRequested.Store(true)
	return nil
}

// GetStatus returns the current status of a job.
func (m *Manager) GetStatus(id string) (Status, error) {
	j, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return j.status(), nil
}

// Jobs returns the status of every live job in start order.
func (m *Manager) Jobs() []Status {
	m.mu.RLock()
	jobs := make([]*job, 0, len(m.ids))
	for _, id := range m.ids {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]Status, len(jobs))
	for i, j := range jobs {
		out[i] = j.status()
	}
	return out
}

// Cycle runs one cycle of every job that has not ended. It returns early
// with the context error when ctx is cancelled.
func (m *Manager) Cycle(ctx context.Context) error {
	m.mu.RLock()
	active := make([]*job, 0, len(m.ids))
	for _, id := range m.ids {
		if j := m.jobs[id]; !j.getState().Terminal() {
			active = append(active, j)
		}
	}
	m.mu.RUnlock()

	for _, j := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cycleJob(ctx, j)
	}
	return nil
}

// Run calls Cycle on every tick of the poll interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.Job.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("job scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job scheduler stopped")
			return nil
		case <-ticker.C():
			if err := m.Cycle(ctx); err != nil {
				return nil
			}
		}
	}
}

func (m *Manager) cycleJob(ctx context.Context, j *job) {
	j.cycleMu.Lock()
	defer j.cycleMu.Unlock()

	start := time.Now()
	defer func() { m.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	switch j.getState() {
	case StateStopping:
		m.finish(ctx, j)
		return
	case StateIdle, StateCompleted, StateFailed:
		return
	}

	if j.snapshotRequested.Swap(false) {
		m.sendSnapshot(j)
	}

	batch, err := j.params.Source.GetTrackedFrameList(j.since(), m.cfg.Job.MaxFramesPerCycle)
	if err != nil {
		m.failJob(ctx, j, fmt.Sprintf("failed to read frames: %v", err))
		return
	}

	if len(batch) > 0 && j.getState() == StateInitializing {
		if err := j.recon.SetOutputExtentFromFrameList(batch, j.graph); err != nil {
			m.failJob(ctx, j, fmt.Sprintf("failed to initialize output extent: %v", err))
			return
		}
		j.setState(StateInitializing, StateRunning)
	}

	if len(batch) > 0 {
		m.ingest(ctx, j, batch)
	}
	if j.getState() == StateRunning {
		m.checkLag(j)
	}

	if j.getState() == StateStopping {
		m.finish(ctx, j)
	}
}

// ingest applies a drained batch frame by frame. State is re-read before
// every frame so Suspend and Stop take effect between frames.
func (m *Manager) ingest(ctx context.Context, j *job, batch []*models.TrackedFrame) {
	frames := m.metrics.Frames
	for i, f := range batch {
		if ctx.Err() != nil {
			m.discard(j, batch[i:])
			return
		}
		state := j.getState()
		if state == StateStopping || state.Terminal() {
			return
		}
		if state != StateRunning || !j.accepts(f.Timestamp) {
			j.advance(f.Timestamp, true)
			frames.WithLabelValues(outcomeDiscarded).Inc()
			continue
		}

		j.skipCount++
		if (j.skipCount-1)%j.recon.SkipInterval() != 0 {
			j.advance(f.Timestamp, false)
			frames.WithLabelValues(outcomeSubsampled).Inc()
			continue
		}

		if m.observer != nil {
			m.observer(j.id, f)
		}
		if len(f.Transforms) > 0 {
			if err := j.graph.SetTransforms(f); err != nil {
				m.logger.Debug("frame transforms partly applied", "job", j.id, "frame", f.FrameNumber, "error", err)
			}
		}
		inserted, err := j.recon.AddTrackedFrame(f, j.graph)
		switch {
		case err != nil:
			frames.WithLabelValues(outcomeFailed).Inc()
			m.logger.Warn("failed to add frame", "job", j.id, "frame", f.FrameNumber, "error", err)
		case inserted:
			frames.WithLabelValues(outcomeInserted).Inc()
		default:
			frames.WithLabelValues(outcomeSkipped).Inc()
		}
		j.advance(f.Timestamp, false)
	}
}

// discard drops drained frames that will never be applied, keeping the
// last processed timestamp ahead of them.
func (m *Manager) discard(j *job, frames []*models.TrackedFrame) {
	for _, f := range frames {
		j.advance(f.Timestamp, true)
		m.metrics.Frames.WithLabelValues(outcomeDiscarded).Inc()
	}
}

// checkLag measures how far processing trails the wall clock. It runs
// every cycle, so an idle source whose last frame grows old also warns.
func (m *Manager) checkLag(j *job) {
	now := timeutil.Seconds(m.clock.Now())
	j.mu.Lock()
	if !j.haveLatest {
		j.mu.Unlock()
		return
	}
	lag := now - j.lastProcessed
	j.lag = lag
	j.mu.Unlock()

	m.metrics.Lag.Set(lag)
	if threshold := m.cfg.Job.LagThresholdSec; threshold > 0 && lag > threshold {
		m.metrics.LagWarnings.Inc()
		m.logger.Warn("reconstruction is lagging behind acquisition",
			"job", j.id, "lag_sec", lag, "threshold_sec", threshold)
	}
}

func (m *Manager) sendSnapshot(j *job) {
	vol, err := j.recon.ExtractGrayLevels()
	if err != nil {
		j.sink.Send(Reply{JobID: j.id, Kind: ReplySnapshot, Message: fmt.Sprintf("no volume available: %v", err)})
		return
	}
	m.metrics.Snapshots.Inc()
	j.sink.Send(Reply{
		JobID:             j.id,
		Kind:              ReplySnapshot,
		Success:           true,
		Message:           fmt.Sprintf("snapshot after %d frames", j.recon.Stats().FramesInserted),
		Volume:            vol,
		VolumeToReference: models.Identity(),
	})
}

// finish saves and sends the results of a stopping job and completes it.
func (m *Manager) finish(ctx context.Context, j *job) {
	reply := Reply{JobID: j.id, Kind: ReplyResult, Success: true}
	stats := j.recon.Stats()

	if !j.recon.HasOutputExtent() {
		reply.Success = false
		reply.Message = "no frames were reconstructed"
	} else {
		reply.Message = fmt.Sprintf("reconstructed %d frames, skipped %d", stats.FramesInserted, stats.FramesSkipped)
		if path := j.params.OutputPath; path != "" {
			if err := j.recon.SaveReconstructedVolumeToMetafile(path, m.cfg.Output.Compressed); err != nil {
				err = fmt.Errorf("%w: %w", ErrIO, err)
				m.logger.Error("failed to save reconstructed volume", "job", j.id, "path", path, "error", err)
				reply.Success = false
				reply.Message = err.Error()
			} else {
				reply.Message += ", saved to " + path
			}
		}
		if j.params.SendVolume {
			if vol, err := j.recon.ExtractGrayLevels(); err == nil {
				reply.Volume = vol
				reply.VolumeToReference = models.Identity()
			}
		}
	}

	if !j.setState(StateStopping, StateCompleted) {
		return
	}
	m.logger.Info("reconstruction job completed", "job", j.id,
		"frames_inserted", stats.FramesInserted, "frames_skipped", stats.FramesSkipped)
	m.retire(ctx, j, StateCompleted)
	j.sink.Send(reply)
}

func (m *Manager) failJob(ctx context.Context, j *job, reason string) {
	if !j.fail(reason) {
		return
	}
	m.logger.Error("reconstruction job failed", "job", j.id, "reason", reason)
	m.retire(ctx, j, StateFailed)
	j.sink.Send(Reply{JobID: j.id, Kind: ReplyResult, Message: reason})
}

// retire records a job that just reached a terminal state.
func (m *Manager) retire(ctx context.Context, j *job, state State) {
	m.metrics.Jobs.WithLabelValues(ModeLive, string(state)).Inc()

	st := j.status()
	if latest := j.since(); j.sourceKey != nil && !math.IsInf(latest, -1) {
		m.mu.Lock()
		if prev, ok := m.highWater[j.sourceKey]; !ok || latest > prev {
			m.highWater[j.sourceKey] = latest
		}
		m.mu.Unlock()
	}

	rec := models.JobRecord{
		ID:             j.id,
		Mode:           ModeLive,
		State:          string(state),
		Reason:         st.Reason,
		OutputPath:     j.params.OutputPath,
		FramesInserted: st.FramesInserted,
		FramesSkipped:  st.FramesSkipped,
		StartedAt:      j.startedAt,
		FinishedAt:     m.clock.Now(),
	}
	if g, ok := j.recon.Geometry(); ok {
		rec.Dims = g.Dims
	}
	m.record(ctx, rec)
}

func (m *Manager) record(ctx context.Context, rec models.JobRecord) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := m.recorder.RecordJob(ctx, rec); err != nil {
		m.logger.Warn("failed to record job", "job", rec.ID, "error", err)
	}
}

// ReconstructBatch reconstructs a complete frame list synchronously.
//
// Frames are applied in timestamp order whatever their order in frames,
// honouring the skip interval. graph is copied, never modified. When
// outputPath is set the volume is written there; a write failure returns
// the result together with an error wrapping ErrIO.
func (m *Manager) ReconstructBatch(ctx context.Context, frames []*models.TrackedFrame, graph *transform.Graph, outputPath string) (*Result, error) {
	rc, err := m.reconstructionConfig(nil)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	logger := m.logger.With("job", id)
	rec := models.JobRecord{ID: id, Mode: ModeBatch, OutputPath: outputPath, StartedAt: m.clock.Now()}
	failed := func(err error) (*Result, error) {
		rec.State = string(StateFailed)
		rec.Reason = err.Error()
		rec.FinishedAt = m.clock.Now()
		m.metrics.Jobs.WithLabelValues(ModeBatch, rec.State).Inc()
		m.record(ctx, rec)
		logger.Error("batch reconstruction failed", "error", err)
		return nil, err
	}

	recon, err := reconstruction.NewReconstructor(rc, logger)
	if err != nil {
		return failed(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	work := transform.NewGraph(logger)
	if graph != nil {
		work = graph.DeepCopy()
	}

	sorted := slices.DeleteFunc(slices.Clone(frames), func(f *models.TrackedFrame) bool { return f == nil })
	slices.SortStableFunc(sorted, func(a, b *models.TrackedFrame) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	if !recon.HasOutputExtent() {
		if err := recon.SetOutputExtentFromFrameList(sorted, work); err != nil {
			return failed(fmt.Errorf("failed to initialize output extent: %w", err))
		}
	}

	logger.Info("batch reconstruction started", "frames", len(sorted))
	skip := recon.SkipInterval()
	for i, f := range sorted {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
		if i%skip != 0 {
			m.metrics.Frames.WithLabelValues(outcomeSubsampled).Inc()
			continue
		}
		if m.observer != nil {
			m.observer(id, f)
		}
		if len(f.Transforms) > 0 {
			if err := work.SetTransforms(f); err != nil {
				logger.Debug("frame transforms partly applied", "frame", f.FrameNumber, "error", err)
			}
		}
		inserted, err := recon.AddTrackedFrame(f, work)
		switch {
		case err != nil:
			m.metrics.Frames.WithLabelValues(outcomeFailed).Inc()
			logger.Warn("failed to add frame", "frame", f.FrameNumber, "error", err)
		case inserted:
			m.metrics.Frames.WithLabelValues(outcomeInserted).Inc()
		default:
			m.metrics.Frames.WithLabelValues(outcomeSkipped).Inc()
		}
	}

	vol, err := recon.ExtractGrayLevels()
	if err != nil {
		return failed(err)
	}
	stats := recon.Stats()
	result := &Result{
		JobID:          id,
		Volume:         vol,
		Geometry:       vol.Geometry,
		FramesInserted: stats.FramesInserted,
		FramesSkipped:  stats.FramesSkipped,
		OutputPath:     outputPath,
	}
	if vs, err := recon.VolumeStatistics(); err == nil {
		result.Statistics = vs
	}
	if mask, err := recon.ExtractHitMask(); err == nil {
		result.HitMask = mask
	}

	rec.State = string(StateCompleted)
	rec.FramesInserted = stats.FramesInserted
	rec.FramesSkipped = stats.FramesSkipped
	rec.Dims = vol.Geometry.Dims

	var saveErr error
	if outputPath != "" {
		if err := metafile.WriteVolume(outputPath, vol, m.cfg.Output.Compressed); err != nil {
			saveErr = fmt.Errorf("%w: %w", ErrIO, err)
			rec.Reason = saveErr.Error()
			logger.Error("failed to save reconstructed volume", "path", outputPath, "error", err)
		}
	}

	rec.FinishedAt = m.clock.Now()
	m.metrics.Jobs.WithLabelValues(ModeBatch, rec.State).Inc()
	m.record(ctx, rec)
	logger.Info("batch reconstruction completed",
		"frames_inserted", stats.FramesInserted, "frames_skipped", stats.FramesSkipped, "dims", vol.Geometry.Dims)
	return result, saveErr
}
