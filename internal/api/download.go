package api

import (
	"errors"
	"mime"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/storage"
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.State != domain.JobStateDone {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "job is not finished",
			"state": string(job.State),
		})
		return
	}

	dl, err := s.results.Resolve(r.Context(), job.Result)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrResultNotFound):
		writeError(w, http.StatusGone, "result is no longer available")
		return
	default:
		s.logger.Error("resolve result failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve result")
		return
	}
	s.serveResult(w, r, dl)
}

// serveResult redirects to an object store URL or streams the local file.
func (s *Server) serveResult(w http.ResponseWriter, r *http.Request, dl storage.Download) {
	if dl.RedirectURL != "" {
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}

	f, err := os.Open(dl.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusGone, "result is no longer available")
			return
		}
		s.logger.Error("open result failed", zap.String("result", dl.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open result")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open result")
		return
	}

	w.Header().Set("Content-Type", storage.VideoContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	http.ServeContent(w, r, dl.Name, info.ModTime(), f)
}
