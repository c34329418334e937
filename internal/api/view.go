package api

import (
	"time"

	"github.com/dunamismax/latentwalk/internal/domain"
)

// jobView is the wire form of a job snapshot.
type jobView struct {
	JobID        string                 `json:"job_id"`
	State        domain.JobState        `json:"state"`
	Progress     float64                `json:"progress"`
	FramesDone   int                    `json:"frames_done"`
	TotalFrames  int                    `json:"total_frames"`
	LogTail      []string               `json:"log_tail"`
	DownloadURL  string                 `json:"download_url,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Request      domain.GenerateRequest `json:"request"`
	Seed         int64                  `json:"seed"`
	Decoder      string                 `json:"decoder"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

func (s *Server) view(job domain.Job) jobView {
	v := jobView{
		JobID:        job.ID,
		State:        job.State,
		Progress:     job.Progress,
		FramesDone:   job.FramesDone,
		TotalFrames:  job.TotalFrames,
		LogTail:      job.LogTail,
		ErrorMessage: job.ErrorMessage,
		Request:      job.Request,
		Seed:         job.Seed,
		Decoder:      job.Decoder,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	if v.LogTail == nil {
		v.LogTail = []string{}
	}
	if job.State == domain.JobStateDone {
		v.DownloadURL = s.link("/v1/jobs/%s/download", job.ID)
	}
	return v
}
