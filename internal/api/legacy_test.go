package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/storage"
)

func decodeLegacyStatus(t *testing.T, body []byte) legacyStatusResponse {
	t.Helper()
	var resp legacyStatusResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

// The script flow: POST /generate, poll /status until "completed", then
// fetch the returned download_url.
func TestLegacyGenerateStatusDownloadFlow(t *testing.T) {
	dir := t.TempDir()
	name := "latent_walk_job-1_1s_4fps.mp4"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake mp4 bytes"), 0o644))

	s, svc := newTestServer(t, func(o *Options) {
		o.Results = fakeResults{download: storage.Download{Name: name, LocalPath: path}}
	})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/generate",
		`{"seconds":5,"fps":10,"out_res":256,"anchors":6,"strength":2.0,"sharpen":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created legacyGenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "job-1", created.JobID)
	assert.Equal(t, "queued", created.Status)
	require.Len(t, svc.submitted, 1)

	rec = do(t, h, http.MethodGet, "/status/job-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decodeLegacyStatus(t, rec.Body.Bytes())
	assert.Equal(t, "queued", queued.Status)
	assert.Empty(t, queued.VideoPath)
	assert.NotContains(t, rec.Body.String(), "download_url")

	svc.put(doneJob(t, "job-1", name))

	rec = do(t, h, http.MethodGet, "/status/job-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeLegacyStatus(t, rec.Body.Bytes())
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "Video ready", done.Message)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, name, done.VideoPath)
	assert.Equal(t, "/download?path="+name, done.DownloadURL)

	rec = do(t, h, http.MethodGet, done.DownloadURL, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "fake mp4 bytes", rec.Body.String())
}

func TestLegacyStatusReportsError(t *testing.T) {
	s, svc := newTestServer(t, nil)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := domain.NewJob("bad", domain.DefaultGenerateRequest(), 1, 8, "fallback", now)
	require.NoError(t, job.Start(now))
	require.NoError(t, job.Fail(now, "ffmpeg exited 1"))
	svc.put(job)

	rec := do(t, s.Handler(), http.MethodGet, "/status/bad", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeLegacyStatus(t, rec.Body.Bytes())
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "ffmpeg exited 1", resp.Error)
	assert.Equal(t, "Error: ffmpeg exited 1", resp.Message)
	assert.Empty(t, resp.DownloadURL)
}

func TestLegacyStatusUsesFileNameOfObjectResult(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.put(doneJob(t, "abc", "videos/latent_walk_abc_1s_4fps.mp4"))

	rec := do(t, s.Handler(), http.MethodGet, "/status/abc", "", nil)

	resp := decodeLegacyStatus(t, rec.Body.Bytes())
	assert.Equal(t, "latent_walk_abc_1s_4fps.mp4", resp.VideoPath)
	assert.Equal(t, "/download?path=latent_walk_abc_1s_4fps.mp4", resp.DownloadURL)
}

func TestLegacyGenerateValidation(t *testing.T) {
	s, svc := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/generate", `{"fps":0}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.submitted)
}

func TestLegacyDownloadErrors(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) {
		o.Results = fakeResults{download: storage.Download{Name: "v.mp4", RedirectURL: "https://bucket.test/v.mp4?sig=1"}}
	})
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/download", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/download?path=other.mp4", "", nil).Code)

	rec := do(t, h, http.MethodGet, "/download?path=v.mp4", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://bucket.test/v.mp4?sig=1", rec.Header().Get("Location"))
}

func TestLegacyDownloadRejectsTraversal(t *testing.T) {
	results, err := storage.NewLocalResults(t.TempDir())
	require.NoError(t, err)
	s, _ := newTestServer(t, func(o *Options) { o.Results = results })

	rec := do(t, s.Handler(), http.MethodGet, "/download?path=..%2F..%2Fetc%2Fpasswd", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
