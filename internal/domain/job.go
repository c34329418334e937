package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateDone    JobState = "done"
	JobStateError   JobState = "error"

	// LogTailCapacity bounds Job.LogTail; older lines are evicted first.
	LogTailCapacity = 50
)

var ErrInvalidTransition = errors.New("invalid job state transition")

type Job struct {
	ID           string
	State        JobState
	Request      GenerateRequest
	Seed         int64
	LatentDim    int
	Decoder      string
	FramesDone   int
	TotalFrames  int
	Progress     float64
	LogTail      []string
	Result       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// NewJob builds a queued job for an already validated request.
func NewJob(id string, req GenerateRequest, seed int64, latentDim int, decoder string, now time.Time) Job {
	job := Job{
		ID:          id,
		State:       JobStateQueued,
		Request:     req.clone(),
		Seed:        seed,
		LatentDim:   latentDim,
		Decoder:     decoder,
		TotalFrames: req.TotalFrames(),
		LogTail:     make([]string, 0, 8),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return job
}

func (j *Job) IsTerminal() bool {
	return j.State == JobStateDone || j.State == JobStateError
}

func (j *Job) Start(now time.Time) error {
	if j.State != JobStateQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, JobStateRunning)
	}
	started := now
	j.State = JobStateRunning
	j.StartedAt = &started
	j.UpdatedAt = now
	req := j.Request
	j.appendLog(fmt.Sprintf(
		"Started %d frames with %s decoder (%gs @ %dfps, %dpx, %d anchors, strength %g, sharpen %t)",
		j.TotalFrames, j.Decoder, req.Seconds, req.FPS, req.OutRes, req.Anchors, req.Strength, req.Sharpen,
	))
	return nil
}

// RecordFrame counts one more produced frame and appends its log line in the
// same step, so progress, counter and log tail never disagree.
func (j *Job) RecordFrame(now time.Time, line string) error {
	if j.State != JobStateRunning {
		return fmt.Errorf("%w: frame recorded while %s", ErrInvalidTransition, j.State)
	}
	if j.FramesDone >= j.TotalFrames {
		return fmt.Errorf("%w: frame %d exceeds total %d", ErrInvalidTransition, j.FramesDone+1, j.TotalFrames)
	}
	j.FramesDone++
	j.Progress = progressOf(j.FramesDone, j.TotalFrames)
	j.UpdatedAt = now
	j.appendLog(line)
	return nil
}

func (j *Job) Complete(now time.Time, result string) error {
	if j.State != JobStateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, JobStateDone)
	}
	if j.FramesDone != j.TotalFrames {
		return fmt.Errorf("%w: only %d/%d frames produced", ErrInvalidTransition, j.FramesDone, j.TotalFrames)
	}
	if result == "" {
		return fmt.Errorf("%w: empty result reference", ErrInvalidTransition)
	}
	completed := now
	j.State = JobStateDone
	j.Result = result
	j.Progress = 1
	j.UpdatedAt = now
	j.CompletedAt = &completed
	j.appendLog("Video ready")
	return nil
}

// Fail moves a non-terminal job to error. A queued job can only fail when it
// could not be handed to a dispatcher.
func (j *Job) Fail(now time.Time, message string) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, JobStateError)
	}
	if message == "" {
		message = "unknown error"
	}
	completed := now
	j.State = JobStateError
	j.ErrorMessage = message
	j.UpdatedAt = now
	j.CompletedAt = &completed
	j.appendLog("Error: " + message)
	return nil
}

func (j *Job) AppendLog(now time.Time, line string) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: log append on %s job", ErrInvalidTransition, j.State)
	}
	j.UpdatedAt = now
	j.appendLog(line)
	return nil
}

func (j *Job) appendLog(line string) {
	j.LogTail = append(j.LogTail, line)
	if overflow := len(j.LogTail) - LogTailCapacity; overflow > 0 {
		j.LogTail = append(j.LogTail[:0:0], j.LogTail[overflow:]...)
	}
}

// Snapshot returns a deep copy that shares no mutable memory with j.
func (j Job) Snapshot() Job {
	out := j
	out.Request = j.Request.clone()
	out.LogTail = append([]string(nil), j.LogTail...)
	if j.StartedAt != nil {
		started := *j.StartedAt
		out.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

func progressOf(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 1
	}
	return float64(done) / float64(total)
}
