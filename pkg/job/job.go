// Package job drives volume reconstructions. A Manager owns any number of
// live jobs, each pulling tracked frames from a FrameSource into its own
// reconstructor, and also runs one-shot batch reconstructions.
package job

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"
	"freehand3d/pkg/reconstruction"
	"freehand3d/pkg/transform"
)

var (
	// ErrConfiguration is returned for unusable job parameters or
	// reconstruction settings. It is fatal to the job.
	ErrConfiguration = errors.New("job configuration error")

	// ErrIO reports a failure to write results. The volume stays valid.
	ErrIO = errors.New("job output error")

	// ErrUnknownJob is returned for a job ID the manager does not know.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidTransition is returned when a command does not apply to the
	// job's current state.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// State is the lifecycle state of a job.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateSuspended    State = "suspended"
	StateStopping     State = "stopping"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job modes as recorded in the history.
const (
	ModeLive  = "live"
	ModeBatch = "batch"
)

// FrameSource supplies tracked frames newer than since, oldest first.
// *buffer.Buffer satisfies it.
type FrameSource interface {
	GetTrackedFrameList(since float64, maxCount int) ([]*models.TrackedFrame, error)
}

// Recorder persists terminal jobs. *store.Store satisfies it.
type Recorder interface {
	RecordJob(ctx context.Context, rec models.JobRecord) error
}

// FrameObserver is called with every frame right before it is inserted.
type FrameObserver func(jobID string, frame *models.TrackedFrame)

// Params describes a live reconstruction job.
type Params struct {
	// Source is drained every cycle. Required.
	Source FrameSource

	// Graph is copied at Start; later changes to it do not reach the job.
	// Nil starts from an empty graph, so frames must carry every transform.
	Graph *transform.Graph

	// Reconstruction overrides the manager's default settings when set.
	Reconstruction *config.Reconstruction

	// OutputPath receives the volume when the job stops. Empty skips saving.
	OutputPath string

	// SendVolume attaches the gray level volume to result replies.
	SendVolume bool

	// Sink receives this job's replies instead of the manager's sink.
	Sink ReplySink
}

// Status is a point in time view of a job.
type Status struct {
	ID                     string
	Mode                   string
	State                  State
	Reason                 string
	LastProcessedTimestamp float64
	FramesInserted         uint64
	FramesSkipped          uint64
	FramesDiscarded        uint64
	Lag                    float64
	StartedAt              time.Time
}

// Result summarises a finished batch reconstruction.
type Result struct {
	JobID          string
	Volume         *models.Volume
	Geometry       models.Geometry
	FramesInserted uint64
	FramesSkipped  uint64
	Statistics     reconstruction.VolumeStatistics
	OutputPath     string

	// HitMask is 255 where at least one frame contributed and 0 elsewhere.
	HitMask *models.Volume
}

// job is one live reconstruction. Fields under mu may be read and written
// by control commands while a cycle runs; cycleMu serialises cycles.
type job struct {
	id        string
	params    Params
	graph     *transform.Graph
	recon     *reconstruction.Reconstructor
	sink      ReplySink
	startedAt time.Time

	snapshotRequested atomic.Bool

	cycleMu   sync.Mutex
	skipCount int
	sourceKey any

	mu            sync.Mutex
	state         State
	reason        string
	lastProcessed float64
	haveLatest    bool
	resumedAt     float64
	discarded     uint64
	lag           float64
}

func (j *job) setState(from, to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	return true
}

// since returns the timestamp to drain after.
func (j *job) since() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.haveLatest {
		return math.Inf(-1)
	}
	return j.lastProcessed
}

func (j *job) getState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// fail moves the job to Failed unless it already ended.
func (j *job) fail(reason string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateFailed
	j.reason = reason
	return true
}

// advance moves the last processed timestamp forward, never back.
func (j *job) advance(ts float64, discarded bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.haveLatest || ts > j.lastProcessed {
		j.lastProcessed = ts
		j.haveLatest = true
	}
	if discarded {
		j.discarded++
	}
}

// accepts reports whether a drained frame may be applied: it must be newer
// than every processed frame and not acquired before the latest Resume.
func (j *job) accepts(ts float64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.haveLatest && ts <= j.lastProcessed {
		return false
	}
	return ts >= j.resumedAt
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.recon.Stats()
	return Status{
		ID:                     j.id,
		Mode:                   ModeLive,
		State:                  j.state,
		Reason:                 j.reason,
		LastProcessedTimestamp: j.lastProcessed,
		FramesInserted:         st.FramesInserted,
		FramesSkipped:          st.FramesSkipped,
		FramesDiscarded:        j.discarded,
		Lag:                    j.lag,
		StartedAt:              j.startedAt,
	}
}
