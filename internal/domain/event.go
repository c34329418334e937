package domain

import "time"

const (
	EventJobCreated   = "job.created"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the notification body sent to webhooks and the message broker.
type JobEvent struct {
	Event        string    `json:"event"`
	JobID        string    `json:"job_id"`
	State        JobState  `json:"state"`
	Seed         int64     `json:"seed"`
	Decoder      string    `json:"decoder"`
	FramesDone   int       `json:"frames_done"`
	TotalFrames  int       `json:"total_frames"`
	Result       string    `json:"result,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func NewJobEvent(event string, job Job, at time.Time) JobEvent {
	return JobEvent{
		Event:        event,
		JobID:        job.ID,
		State:        job.State,
		Seed:         job.Seed,
		Decoder:      job.Decoder,
		FramesDone:   job.FramesDone,
		TotalFrames:  job.TotalFrames,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		OccurredAt:   at,
	}
}

// TerminalEvent names the event for a finished job, or "" while it is live.
func TerminalEvent(job Job) string {
	switch job.State {
	case JobStateDone:
		return EventJobCompleted
	case JobStateError:
		return EventJobFailed
	default:
		return ""
	}
}
