package api

import (
	"errors"
	"net/http"
	"net/url"
	"path"

	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/storage"
)

// Flat routes keep scripts written against the synchronous generator
// working: /generate answers 200 with a job id, /status reports
// "completed" instead of "done", and finished videos are fetched by file
// name from /download?path=.

const legacyStatusCompleted = "completed"

type legacyGenerateResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type legacyStatusResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Progress    float64 `json:"progress"`
	VideoPath   string  `json:"video_path,omitempty"`
	DownloadURL string  `json:"download_url,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func legacyStatus(state domain.JobState) string {
	if state == domain.JobStateDone {
		return legacyStatusCompleted
	}
	return string(state)
}

func (s *Server) handleLegacyGenerate(w http.ResponseWriter, r *http.Request) {
	job, ok := s.submitJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, legacyGenerateResponse{
		JobID:   job.ID,
		Status:  legacyStatus(job.State),
		Message: "Video generation started",
	})
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}

	resp := legacyStatusResponse{
		JobID:    job.ID,
		Status:   legacyStatus(job.State),
		Progress: job.Progress,
		Error:    job.ErrorMessage,
	}
	if n := len(job.LogTail); n > 0 {
		resp.Message = job.LogTail[n-1]
	}
	if job.State == domain.JobStateDone {
		name := path.Base(job.Result)
		resp.VideoPath = name
		resp.DownloadURL = s.link("/download?path=%s", url.QueryEscape(name))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("path")
	if name == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	dl, err := s.results.ResolveName(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrResultNotFound), errors.Is(err, storage.ErrInvalidReference):
		writeError(w, http.StatusNotFound, "video not found")
		return
	default:
		s.logger.Error("resolve result failed", zap.String("path", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve result")
		return
	}
	s.serveResult(w, r, dl)
}
