// Package buffer holds tracked frames between the acquisition side and the
// reconstruction side.
//
// One producer appends frames as they are captured, one consumer drains
// them in timestamp order. Frames are owned by the buffer until drained.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"
)

// ErrOutOfOrder is returned by Append under the reject policy when a frame
// is older than the newest buffered frame.
var ErrOutOfOrder = errors.New("frame timestamp is older than the newest buffered frame")

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Appended  uint64 // frames accepted by Append
	Reordered uint64 // late frames inserted out of arrival order
	Rejected  uint64 // late frames refused under the reject policy
	Dropped   uint64 // oldest frames evicted because the buffer was full
	Stale     uint64 // frames discarded by a drain because they were not newer than the cursor
	Drained   uint64 // frames handed to consumers
	Length    int
}

// Buffer is a timestamp ordered, thread-safe tracked frame queue.
type Buffer struct {
	mu     sync.Mutex
	frames []*models.TrackedFrame
	policy string
	maxLen int
	stats  Stats
	logger *slog.Logger
}

// New creates a buffer using cfg's ordering policy and capacity. A nil
// logger discards log output.
func New(cfg config.Buffer, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy := cfg.OrderPolicy
	if policy == "" {
		policy = config.OrderReorder
	}
	return &Buffer{
		policy: policy,
		maxLen: cfg.MaxFrames,
		logger: logger,
	}
}

// Append adds a frame. In-order frames are appended at the end. A frame
// older than the newest one is inserted at its timestamp position under the
// reorder policy and refused under the reject policy. Equal timestamps keep
// arrival order.
func (b *Buffer) Append(frame *models.TrackedFrame) error {
	if frame == nil {
		return errors.New("cannot append nil frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.frames)
	if n == 0 || b.frames[n-1].Timestamp <= frame.Timestamp {
		b.frames = append(b.frames, frame)
	} else {
		if b.policy == config.OrderReject {
			b.stats.Rejected++
			return fmt.Errorf("%w: frame %d at %.6f, newest %.6f",
				ErrOutOfOrder, frame.FrameNumber, frame.Timestamp, b.frames[n-1].Timestamp)
		}
		// First position whose timestamp is strictly greater.
		i := sort.Search(n, func(i int) bool { return b.frames[i].Timestamp > frame.Timestamp })
		b.frames = append(b.frames, nil)
		copy(b.frames[i+1:], b.frames[i:])
		b.frames[i] = frame
		b.stats.Reordered++
		b.logger.Debug("reordered late frame", "frame", frame.FrameNumber, "timestamp", frame.Timestamp)
	}
	b.stats.Appended++

	if b.maxLen > 0 && len(b.frames) > b.maxLen {
		excess := len(b.frames) - b.maxLen
		for i := 0; i < excess; i++ {
			b.frames[i] = nil
		}
		b.frames = b.frames[excess:]
		b.stats.Dropped += uint64(excess)
	}
	return nil
}

// GetFramesAfter removes and returns at most maxCount frames strictly newer
// than timestamp, oldest first. Buffered frames at or before timestamp are
// stale and are discarded by the same call. maxCount <= 0 means no limit.
// An empty result is not an error.
func (b *Buffer) GetFramesAfter(timestamp float64, maxCount int) []*models.TrackedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	stale := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].Timestamp > timestamp })
	end := len(b.frames)
	if maxCount > 0 && stale+maxCount < end {
		end = stale + maxCount
	}

	out := make([]*models.TrackedFrame, end-stale)
	copy(out, b.frames[stale:end])

	rest := copy(b.frames, b.frames[end:])
	for i := rest; i < len(b.frames); i++ {
		b.frames[i] = nil
	}
	b.frames = b.frames[:rest]

	b.stats.Stale += uint64(stale)
	b.stats.Drained += uint64(len(out))
	return out
}

// GetTrackedFrameList implements the frame source contract used by the
// reconstruction job controller. It drains like GetFramesAfter.
func (b *Buffer) GetTrackedFrameList(since float64, maxCount int) ([]*models.TrackedFrame, error) {
	return b.GetFramesAfter(since, maxCount), nil
}

// Clear removes every buffered frame in one step.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// NewestTimestamp returns the timestamp of the newest buffered frame.
func (b *Buffer) NewestTimestamp() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return 0, false
	}
	return b.frames[len(b.frames)-1].Timestamp, true
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Length = len(b.frames)
	return s
}
