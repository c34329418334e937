package domain

import "time"

type UsageLog struct {
	JobID          string
	Decoder        string
	Outcome        JobState
	FramesRendered int64
	PixelsRendered int64
	ComputeTimeMS  int64
	CreatedAt      time.Time
}
