package models

import "time"

// JobRecord is the persisted summary of a finished reconstruction job.
type JobRecord struct {
	ID             string
	Mode           string // "live" or "batch"
	State          string
	Reason         string
	OutputPath     string
	FramesInserted uint64
	FramesSkipped  uint64
	Dims           [3]int
	StartedAt      time.Time
	FinishedAt     time.Time
}
