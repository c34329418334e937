package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
)

// handleJobEvents streams job snapshots as server-sent events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event streaming is disabled")
		return
	}

	// Subscribe before reading the snapshot so no transition is missed in
	// between.
	updates, cancel := s.events.Subscribe(r.PathValue("id"))
	defer cancel()

	job, ok := s.lookup(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.metrics.eventStreams.Inc()
	defer s.metrics.eventStreams.Dec()

	if err := s.writeEvent(w, rc, job); err != nil || job.IsTerminal() {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case snapshot, open := <-updates:
			if !open {
				return
			}
			// Snapshots taken before the initial read may still be queued.
			if isStale(snapshot, job) {
				continue
			}
			job = snapshot
			if err := s.writeEvent(w, rc, job); err != nil {
				s.logger.Debug("event stream closed", zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			if job.IsTerminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, rc *http.ResponseController, job domain.Job) error {
	payload, err := json.Marshal(s.view(job))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", job.State, payload); err != nil {
		return err
	}
	return rc.Flush()
}

func stateRank(state domain.JobState) int {
	switch state {
	case domain.JobStateQueued:
		return 0
	case domain.JobStateRunning:
		return 1
	default:
		return 2
	}
}

// isStale reports whether snapshot is behind the last one sent. Jobs only
// move forward in state and frame count, so those order snapshots even when
// timestamps tie. Equal positions fall back to the timestamp so log-only
// updates still go out and duplicates do not.
func isStale(snapshot, sent domain.Job) bool {
	if a, b := stateRank(snapshot.State), stateRank(sent.State); a != b {
		return a < b
	}
	if snapshot.FramesDone != sent.FramesDone {
		return snapshot.FramesDone < sent.FramesDone
	}
	return !snapshot.UpdatedAt.After(sent.UpdatedAt)
}
