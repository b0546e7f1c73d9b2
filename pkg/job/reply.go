package job

import (
	"sync/atomic"

	"freehand3d/internal/models"
)

// ReplyKind says what a reply carries.
type ReplyKind string

const (
	ReplySnapshot ReplyKind = "snapshot"
	ReplyResult   ReplyKind = "result"
)

// Reply is delivered to requesters when a snapshot or a final result is
// ready.
type Reply struct {
	JobID   string
	Kind    ReplyKind
	Success bool
	Message string

	// Volume and VolumeToReference are set when the reply carries image data.
	// The volume is already expressed in the reference frame, so the matrix
	// is the identity.
	Volume            *models.Volume
	VolumeToReference models.Matrix
}

// ReplySink receives replies. Send must not block.
type ReplySink interface {
	Send(Reply)
}

// ChannelSink is a buffered reply channel. Replies that find the buffer
// full are dropped and counted.
type ChannelSink struct {
	ch      chan Reply
	dropped atomic.Uint64
}

// NewChannelSink creates a sink holding up to size undelivered replies.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Reply, size)}
}

// Send enqueues r without blocking.
func (s *ChannelSink) Send(r Reply) {
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// C returns the channel replies are delivered on.
func (s *ChannelSink) C() <-chan Reply {
	return s.ch
}

// Dropped returns how many replies were dropped because the buffer was full.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

type discardSink struct{}

func (discardSink) Send(Reply) {}
