package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"freehand3d/internal/models"
	"freehand3d/internal/timeutil"
	"freehand3d/pkg/buffer"
	"freehand3d/pkg/config"
	"freehand3d/pkg/metafile"
	"freehand3d/pkg/transform"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = 1000.0

var imageToReference = models.NewTransformName("Image", "Reference")

// frameAt builds a 4x4 frame lying in the z plane of the reference frame.
func frameAt(n uint64, ts, z, value float64, valid bool) *models.TrackedFrame {
	img := models.NewImage(4, 4, models.PixelUint8)
	img.Fill(value)
	f := &models.TrackedFrame{Image: img, Timestamp: ts, FrameNumber: n}
	f.SetTransform(imageToReference, models.Translation(0, 0, z), valid)
	return f
}

func testConfig(depth int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Reconstruction.NumWorkers = 2
	if depth > 0 {
		cfg.Reconstruction.OutputOrigin = []float64{0, 0, 0}
		cfg.Reconstruction.OutputDimensions = []int{4, 4, depth}
	}
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	records []models.JobRecord
}

func (r *recorder) RecordJob(_ context.Context, rec models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) all() []models.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobRecord(nil), r.records...)
}

// scriptedSource returns prepared batches regardless of the requested
// timestamp, and remembers what was requested.
type scriptedSource struct {
	mu      sync.Mutex
	batches [][]*models.TrackedFrame
	since   []float64
	err     error
}

func (s *scriptedSource) GetTrackedFrameList(since float64, _ int) ([]*models.TrackedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, since)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

type fixture struct {
	m     *Manager
	clock *timeutil.MockClock
	sink  *ChannelSink
	rec   *recorder
	buf   *buffer.Buffer
}

func newFixture(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: timeutil.NewMockClock(time.Unix(int64(t0), 0)),
		sink:  NewChannelSink(8),
		rec:   &recorder{},
		buf:   buffer.New(cfg.Buffer, nil),
	}
	opts = append([]Option{WithClock(f.clock), WithSink(f.sink), WithRecorder(f.rec)}, opts...)
	f.m = NewManager(cfg, opts...)
	return f
}

func (f *fixture) append(t *testing.T, frames ...*models.TrackedFrame) {
	t.Helper()
	for _, fr := range frames {
		require.NoError(t, f.buf.Append(fr))
	}
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Cycle(context.Background()))
}

func (f *fixture) reply(t *testing.T) Reply {
	t.Helper()
	select {
	case r := <-f.sink.C():
		return r
	default:
		t.Fatal("no reply delivered")
		return Reply{}
	}
}

func status(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	st, err := m.GetStatus(id)
	require.NoError(t, err)
	return st
}

// TestSuspendResume checks that frames acquired while suspended, including
// frames still buffered at Resume, never reach the volume.
func TestSuspendResume(t *testing.T) {
	f := newFixture(t, testConfig(8))
	id, err := f.m.Start(Params{Source: f.buf, SendVolume: true})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status(t, f.m, id).State)

	f.append(t, frameAt(1, t0+0.1, 0, 100, true), frameAt(2, t0+0.2, 1, 100, true), frameAt(3, t0+0.3, 2, 100, true))
	f.cycle(t)
	assert.Equal(t, uint64(3), status(t, f.m, id).FramesInserted)

	require.NoError(t, f.m.Suspend(id))
	f.append(t, frameAt(4, t0+0.4, 3, 100, true), frameAt(5, t0+0.5, 4, 100, true))
	f.cycle(t)
	assert.Equal(t, StateSuspended, status(t, f.m, id).State)

	f.append(t, frameAt(6, t0+0.6, 5, 100, true))
	f.clock.Set(time.Unix(int64(t0), int64(650*time.Millisecond)))
	require.NoError(t, f.m.Resume(id))
	f.append(t, frameAt(7, t0+0.7, 6, 100, true))
	f.cycle(t)

	st := status(t, f.m, id)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, uint64(4), st.FramesInserted)
	assert.Equal(t, uint64(3), st.FramesDiscarded)
	assert.InDelta(t, t0+0.7, st.LastProcessedTimestamp, 1e-9)

	require.NoError(t, f.m.Stop(id))
	f.cycle(t)
	assert.Equal(t, StateCompleted, status(t, f.m, id).State)

	r := f.reply(t)
	require.True(t, r.Success, r.Message)
	assert.Equal(t, ReplyResult, r.Kind)
	require.NotNil(t, r.Volume)
	assert.Equal(t, models.Identity(), r.VolumeToReference)
	for z, want := range []uint8{100, 100, 100, 0, 0, 0, 100, 0} {
		assert.Equal(t, want, r.Volume.At(1, 1, z), "z=%d", z)
	}
}

// TestStopMidCycle stops the job while frame 3 of 5 is being handled; the
// frame still completes and frames 4 and 5 are never applied.
func TestStopMidCycle(t *testing.T) {
	var m *Manager
	f := newFixture(t, testConfig(5), WithFrameObserver(func(jobID string, fr *models.TrackedFrame) {
		if fr.FrameNumber == 3 {
			require.NoError(t, m.Stop(jobID))
		}
	}))
	m = f.m

	id, err := m.Start(Params{Source: f.buf, SendVolume: true})
	require.NoError(t, err)
	for n := uint64(1); n <= 5; n++ {
		f.append(t, frameAt(n, t0+float64(n)*0.1, float64(n-1), 100, true))
	}
	f.cycle(t)

	st := status(t, m, id)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, uint64(3), st.FramesInserted)
	assert.InDelta(t, t0+0.3, st.LastProcessedTimestamp, 1e-9)

	r := f.reply(t)
	require.True(t, r.Success, r.Message)
	for z, want := range []uint8{100, 100, 100, 0, 0} {
		assert.Equal(t, want, r.Volume.At(0, 0, z), "z=%d", z)
	}

	recs := f.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, ModeLive, recs[0].Mode)
	assert.Equal(t, string(StateCompleted), recs[0].State)
	assert.Equal(t, uint64(3), recs[0].FramesInserted)
	assert.Equal(t, [3]int{4, 4, 5}, recs[0].Dims)
}

func TestStopWithoutFrames(t *testing.T) {
	f := newFixture(t, testConfig(0))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, status(t, f.m, id).State)

	require.NoError(t, f.m.Stop(id))
	assert.Equal(t, StateStopping, status(t, f.m, id).State)
	require.NoError(t, f.m.Stop(id))
	f.cycle(t)

	assert.Equal(t, StateCompleted, status(t, f.m, id).State)
	r := f.reply(t)
	assert.False(t, r.Success)
	assert.Nil(t, r.Volume)
}

func TestTimestampNeverRegresses(t *testing.T) {
	src := &scriptedSource{batches: [][]*models.TrackedFrame{
		{frameAt(1, 1, 0, 100, true), frameAt(2, 2, 0, 100, true), frameAt(3, 3, 0, 100, true)},
		{frameAt(4, 2.5, 0, 100, true), frameAt(5, 3, 0, 100, true), frameAt(6, 4, 0, 100, true)},
		{frameAt(7, 1, 0, 100, true)},
	}}
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: src})
	require.NoError(t, err)

	prev := status(t, f.m, id).LastProcessedTimestamp
	for range 3 {
		f.cycle(t)
		st := status(t, f.m, id)
		assert.GreaterOrEqual(t, st.LastProcessedTimestamp, prev)
		prev = st.LastProcessedTimestamp
	}

	st := status(t, f.m, id)
	assert.Equal(t, uint64(4), st.FramesInserted)
	assert.Equal(t, uint64(3), st.FramesDiscarded)
	assert.Equal(t, 4.0, st.LastProcessedTimestamp)
	assert.Equal(t, []float64{3, 4}, src.since[1:])
}

func TestRestartedJobContinuesAfterPreviousJob(t *testing.T) {
	src := &scriptedSource{batches: [][]*models.TrackedFrame{
		{frameAt(1, 1, 0, 100, true), frameAt(2, 2, 0, 100, true)},
		{frameAt(1, 1, 0, 100, true), frameAt(3, 3, 0, 100, true)},
	}}
	f := newFixture(t, testConfig(1))
	first, err := f.m.Start(Params{Source: src})
	require.NoError(t, err)
	f.cycle(t)
	require.NoError(t, f.m.Stop(first))
	f.cycle(t)

	second, err := f.m.Start(Params{Source: src})
	require.NoError(t, err)
	f.cycle(t)

	st := status(t, f.m, second)
	assert.Equal(t, uint64(1), st.FramesInserted)
	assert.Equal(t, uint64(1), st.FramesDiscarded)
	assert.Equal(t, 2.0, src.since[len(src.since)-1])
}

func TestExtentFromFirstBatch(t *testing.T) {
	f := newFixture(t, testConfig(0))
	id, err := f.m.Start(Params{Source: f.buf, SendVolume: true})
	require.NoError(t, err)

	f.cycle(t)
	assert.Equal(t, StateInitializing, status(t, f.m, id).State)

	f.append(t, frameAt(1, t0+0.1, 0, 60, true), frameAt(2, t0+0.2, 2, 60, true))
	f.cycle(t)
	assert.Equal(t, StateRunning, status(t, f.m, id).State)

	require.NoError(t, f.m.RequestSnapshot(id))
	f.cycle(t)
	r := f.reply(t)
	assert.Equal(t, ReplySnapshot, r.Kind)
	require.True(t, r.Success, r.Message)
	assert.Equal(t, [3]int{4, 4, 3}, r.Volume.Dims)
	assert.Equal(t, uint8(60), r.Volume.At(3, 3, 2))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.metrics.Snapshots))
}

func TestInvalidFirstBatchFailsJob(t *testing.T) {
	f := newFixture(t, testConfig(0))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)

	f.append(t, frameAt(1, t0+0.1, 0, 60, false))
	f.cycle(t)

	st := status(t, f.m, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Reason, "output extent")
	assert.False(t, f.reply(t).Success)

	recs := f.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, string(StateFailed), recs[0].State)
	assert.ErrorIs(t, f.m.Stop(id), ErrInvalidTransition)
}

func TestSourceErrorFailsJob(t *testing.T) {
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: &scriptedSource{err: errors.New("device gone")}})
	require.NoError(t, err)
	f.cycle(t)

	st := status(t, f.m, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Reason, "device gone")
}

func TestSnapshotBeforeExtent(t *testing.T) {
	f := newFixture(t, testConfig(0))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)
	require.NoError(t, f.m.RequestSnapshot(id))
	f.cycle(t)

	r := f.reply(t)
	assert.Equal(t, ReplySnapshot, r.Kind)
	assert.False(t, r.Success)
	assert.Nil(t, r.Volume)
}

func TestSkipIntervalInLiveJob(t *testing.T) {
	cfg := testConfig(1)
	cfg.Reconstruction.SkipInterval = 2
	f := newFixture(t, cfg)
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)

	f.append(t, frameAt(1, t0+0.1, 0, 100, true), frameAt(2, t0+0.2, 0, 100, true), frameAt(3, t0+0.3, 0, 100, true))
	f.cycle(t)
	f.append(t, frameAt(4, t0+0.4, 0, 100, true), frameAt(5, t0+0.5, 0, 100, true))
	f.cycle(t)

	assert.Equal(t, uint64(3), status(t, f.m, id).FramesInserted)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.metrics.Frames.WithLabelValues(outcomeSubsampled)))
}

func TestMissingTransformIsCountedNotFatal(t *testing.T) {
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)

	f.append(t, frameAt(1, t0+0.1, 0, 100, true), frameAt(2, t0+0.2, 0, 100, false), frameAt(3, t0+0.3, 0, 100, true))
	f.cycle(t)

	st := status(t, f.m, id)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, uint64(2), st.FramesInserted)
	assert.Equal(t, uint64(1), st.FramesSkipped)
}

func TestLagWarning(t *testing.T) {
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)

	f.append(t, frameAt(1, t0+0.1, 0, 100, true))
	f.clock.Set(time.Unix(int64(t0)+2, 0))
	f.cycle(t)

	st := status(t, f.m, id)
	assert.InDelta(t, 1.9, st.Lag, 1e-6)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.metrics.LagWarnings))

	f.append(t, frameAt(2, t0+1.8, 0, 100, true))
	f.cycle(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.metrics.LagWarnings))

	// No new frames: lag keeps growing from the last processed frame.
	f.clock.Set(time.Unix(int64(t0)+3, 0))
	f.cycle(t)
	assert.InDelta(t, 1.2, status(t, f.m, id).Lag, 1e-6)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.metrics.LagWarnings))
}

func TestNoLagBeforeFirstFrame(t *testing.T) {
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)

	f.clock.Set(time.Unix(int64(t0)+10, 0))
	f.cycle(t)
	assert.Zero(t, status(t, f.m, id).Lag)
	assert.Zero(t, testutil.ToFloat64(f.m.metrics.LagWarnings))
}

func TestCancelledCycleDiscardsDrainedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, testConfig(4), WithFrameObserver(func(_ string, fr *models.TrackedFrame) {
		if fr.FrameNumber == 2 {
			cancel()
		}
	}))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)
	for n := uint64(1); n <= 4; n++ {
		f.append(t, frameAt(n, t0+float64(n)*0.1, float64(n-1), 100, true))
	}

	require.NoError(t, f.m.Cycle(ctx))

	st := status(t, f.m, id)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, uint64(2), st.FramesInserted)
	assert.Equal(t, uint64(2), st.FramesDiscarded)
	assert.InDelta(t, t0+0.4, st.LastProcessedTimestamp, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.metrics.Frames.WithLabelValues(outcomeDiscarded)))
	assert.Zero(t, f.buf.Len())
}

func TestSaveFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: f.buf, OutputPath: filepath.Join(blocker, "volume.mha"), SendVolume: true})
	require.NoError(t, err)
	f.append(t, frameAt(1, t0+0.1, 0, 100, true))
	f.cycle(t)
	require.NoError(t, f.m.Stop(id))
	f.cycle(t)

	assert.Equal(t, StateCompleted, status(t, f.m, id).State)
	r := f.reply(t)
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, ErrIO.Error())
	require.NotNil(t, r.Volume)
	assert.Equal(t, uint8(100), r.Volume.At(0, 0, 0))
}

func TestCommandsValidateState(t *testing.T) {
	f := newFixture(t, testConfig(1))

	assert.ErrorIs(t, f.m.Suspend("nope"), ErrUnknownJob)
	_, err := f.m.GetStatus("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.Resume(id), ErrInvalidTransition)
	require.NoError(t, f.m.Suspend(id))
	assert.ErrorIs(t, f.m.Suspend(id), ErrInvalidTransition)
	require.NoError(t, f.m.Stop(id))
	assert.ErrorIs(t, f.m.RequestSnapshot(id), ErrInvalidTransition)
	f.cycle(t)

	assert.ErrorIs(t, f.m.Stop(id), ErrInvalidTransition)
	assert.ErrorIs(t, f.m.Resume(id), ErrInvalidTransition)
	assert.Len(t, f.m.Jobs(), 1)
}

func TestStartValidatesParams(t *testing.T) {
	f := newFixture(t, testConfig(0))
	_, err := f.m.Start(Params{})
	assert.ErrorIs(t, err, ErrConfiguration)

	bad := f.m.cfg.Reconstruction
	bad.Compounding = "median"
	_, err = f.m.Start(Params{Source: f.buf, Reconstruction: &bad})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestJobGraphIsPrivate(t *testing.T) {
	probe := models.NewTransformName("Probe", "Reference")
	calibration := models.NewTransformName("Image", "Probe")
	shared := transform.NewGraph(nil)
	require.NoError(t, shared.SetTransform(calibration, models.Identity(), true))

	f := newFixture(t, testConfig(2))
	id, err := f.m.Start(Params{Source: f.buf, Graph: shared})
	require.NoError(t, err)
	require.NoError(t, shared.SetTransform(calibration, models.Translation(0, 0, 1), true))

	fr := &models.TrackedFrame{Image: models.NewImage(4, 4, models.PixelUint8), Timestamp: t0 + 0.1, FrameNumber: 1}
	fr.Image.Fill(90)
	fr.SetTransform(probe, models.Identity(), true)
	f.append(t, fr)
	f.cycle(t)
	require.NoError(t, f.m.RequestSnapshot(id))
	f.cycle(t)

	r := f.reply(t)
	require.True(t, r.Success, r.Message)
	assert.Equal(t, uint8(90), r.Volume.At(0, 0, 0))
	assert.Equal(t, uint8(0), r.Volume.At(0, 0, 1))
}

func TestRunDrivesCycles(t *testing.T) {
	f := newFixture(t, testConfig(1))
	id, err := f.m.Start(Params{Source: f.buf})
	require.NoError(t, err)
	f.append(t, frameAt(1, t0+0.1, 0, 100, true), frameAt(2, t0+0.2, 0, 100, true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.Advance(100 * time.Millisecond)
		st, err := f.m.GetStatus(id)
		return err == nil && st.FramesInserted == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// TestBatchOrder feeds shuffled frames to a latest-wins reconstruction; the
// result must match timestamp order.
func TestBatchOrder(t *testing.T) {
	cfg := testConfig(0)
	cfg.Reconstruction.Compounding = config.CompoundingLatest
	f := newFixture(t, cfg)

	frames := make([]*models.TrackedFrame, 5)
	for i := range frames {
		frames[i] = frameAt(uint64(i), float64(i+1), 0, float64(10*(i+1)), true)
	}
	shuffled := []*models.TrackedFrame{frames[3], frames[0], frames[4], nil, frames[1], frames[2]}

	ordered, err := f.m.ReconstructBatch(context.Background(), frames, nil, "")
	require.NoError(t, err)
	result, err := f.m.ReconstructBatch(context.Background(), shuffled, nil, "")
	require.NoError(t, err)

	assert.Equal(t, ordered.Volume.Data, result.Volume.Data)
	assert.Equal(t, uint8(50), result.Volume.At(2, 2, 0))
	assert.Equal(t, uint64(5), result.FramesInserted)
	assert.InDelta(t, 50, result.Statistics.Mean, 1e-9)
	assert.NotEqual(t, ordered.JobID, result.JobID)
}

func TestBatchWritesVolume(t *testing.T) {
	f := newFixture(t, testConfig(0))
	frames := []*models.TrackedFrame{
		frameAt(1, 1, 0, 80, true),
		frameAt(2, 2, 1, 80, false),
		frameAt(3, 3, 2, 80, true),
	}
	path := filepath.Join(t.TempDir(), "batch.mha")
	result, err := f.m.ReconstructBatch(context.Background(), frames, nil, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.FramesInserted)
	assert.Equal(t, uint64(1), result.FramesSkipped)

	vol, err := metafile.ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, result.Volume.Data, vol.Data)
	assert.Equal(t, [3]int{4, 4, 3}, vol.Dims)

	require.NotNil(t, result.HitMask)
	for z, want := range []uint8{255, 0, 255} {
		assert.Equal(t, want, result.HitMask.At(1, 1, z), "z=%d", z)
	}

	recs := f.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, ModeBatch, recs[0].Mode)
	assert.Equal(t, path, recs[0].OutputPath)
}

func TestBatchFailures(t *testing.T) {
	f := newFixture(t, testConfig(0))

	_, err := f.m.ReconstructBatch(context.Background(), []*models.TrackedFrame{frameAt(1, 1, 0, 80, false)}, nil, "")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.m.ReconstructBatch(ctx, []*models.TrackedFrame{frameAt(1, 1, 0, 80, true)}, nil, "")
	assert.ErrorIs(t, err, context.Canceled)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	result, err := f.m.ReconstructBatch(context.Background(),
		[]*models.TrackedFrame{frameAt(1, 1, 0, 80, true)}, nil, filepath.Join(blocker, "v.mha"))
	assert.ErrorIs(t, err, ErrIO)
	require.NotNil(t, result)
	assert.Equal(t, uint8(80), result.Volume.At(0, 0, 0))

	states := map[string]int{}
	for _, r := range f.rec.all() {
		states[r.State]++
	}
	assert.Equal(t, map[string]int{string(StateFailed): 2, string(StateCompleted): 1}, states)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	s.Send(Reply{JobID: "a"})
	s.Send(Reply{JobID: "b"})
	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, "a", (<-s.C()).JobID)
}
