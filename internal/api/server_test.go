package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/events"
	"github.com/dunamismax/latentwalk/internal/ratelimit"
	"github.com/dunamismax/latentwalk/internal/runner"
	"github.com/dunamismax/latentwalk/internal/storage"
)

type fakeService struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	submitted []domain.GenerateRequest
	submitErr error
	now       time.Time
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs: make(map[string]domain.Job),
		now:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (f *fakeService) Submit(_ context.Context, req domain.GenerateRequest) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("job-%d", len(f.submitted))
	job := domain.NewJob(id, req, 42, 8, "fallback", f.now)
	if f.submitErr != nil {
		return job, f.submitErr
	}
	f.jobs[id] = job
	return job, nil
}

func (f *fakeService) Get(_ context.Context, jobID string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	return job, ok, nil
}

func (f *fakeService) Limits() domain.Limits {
	return domain.DefaultLimits()
}

func (f *fakeService) DecoderName() string {
	return "fallback"
}

func (f *fakeService) put(job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

// doneJob runs a job through every frame to completion.
func doneJob(t *testing.T, id, result string) domain.Job {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := domain.DefaultGenerateRequest()
	req.Seconds, req.FPS = 1, 4
	job := domain.NewJob(id, req, 7, 8, "fallback", now)
	require.NoError(t, job.Start(now))
	for i := 1; i <= job.TotalFrames; i++ {
		require.NoError(t, job.RecordFrame(now, fmt.Sprintf("Generated %d/%d frames", i, job.TotalFrames)))
	}
	require.NoError(t, job.Complete(now, result))
	return job
}

type fakeResults struct {
	download storage.Download
	err      error
}

func (f fakeResults) Resolve(context.Context, string) (storage.Download, error) {
	return f.download, f.err
}

func (f fakeResults) ResolveName(_ context.Context, name string) (storage.Download, error) {
	if f.err != nil {
		return storage.Download{}, f.err
	}
	if name != f.download.Name {
		return storage.Download{}, storage.ErrResultNotFound
	}
	return f.download, nil
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *fakeService) {
	t.Helper()
	svc := newFakeService()
	opts := Options{
		Service: svc,
		Results: fakeResults{err: storage.ErrResultNotFound},
		Events:  events.NewHub(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s, svc
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "fallback", body["decoder"])
}

func TestCreateJobAppliesDefaults(t *testing.T) {
	s, svc := newTestServer(t, func(o *Options) { o.PublicURL = "http://walk.test" })

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{"seconds":1,"fps":4}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, domain.JobStateQueued, resp.State)
	assert.Equal(t, "http://walk.test/v1/jobs/job-1", resp.StatusURL)
	assert.Equal(t, "http://walk.test/v1/jobs/job-1/events", resp.EventsURL)
	assert.Equal(t, resp.StatusURL, rec.Header().Get("Location"))

	require.Len(t, svc.submitted, 1)
	got := svc.submitted[0]
	assert.Equal(t, 1.0, got.Seconds)
	assert.Equal(t, 4, got.FPS)
	assert.Equal(t, domain.DefaultOutRes, got.OutRes)
	assert.Equal(t, domain.DefaultAnchors, got.Anchors)
	assert.Equal(t, domain.DefaultStrength, got.Strength)
}

func TestCreateJobRejectsInvalidRequests(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"seconds":`,
		"unknown field":     `{"frames":10}`,
		"zero fps":          `{"fps":0}`,
		"one anchor":        `{"anchors":1}`,
		"negative seconds":  `{"seconds":-1}`,
		"fractional frames": `{"seconds":0.3,"fps":8}`,
		"too large":         `{"out_res":99999}`,
		"trailing value":    `{} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s, svc := newTestServer(t, nil)

			rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Empty(t, svc.submitted)
		})
	}
}

func TestCreateJobValidationProblemsAreListed(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{"fps":0,"anchors":1}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.ErrInvalidRequest.Error(), body.Error)
	assert.NotEmpty(t, body.Problems)
}

func TestCreateJobBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.MaxBodyBytes = 16 })

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{"seconds":1,"fps":4,"anchors":3}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
}

func TestCreateJobDispatchFailure(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.submitErr = fmt.Errorf("%w: redis down", runner.ErrDispatchFailed)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id":"job-1"`)
}

func TestCreateJobInternalError(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.submitErr = errors.New("store exploded")

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
}

func TestGetJob(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.put(doneJob(t, "abc", "latent_walk_abc_1s_4fps.mp4"))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/abc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var v jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "abc", v.JobID)
	assert.Equal(t, domain.JobStateDone, v.State)
	assert.Equal(t, 1.0, v.Progress)
	assert.Equal(t, 4, v.FramesDone)
	assert.Equal(t, 4, v.TotalFrames)
	assert.Equal(t, "/v1/jobs/abc/download", v.DownloadURL)
	assert.Empty(t, v.ErrorMessage)
	assert.Equal(t, int64(7), v.Seed)
	assert.NotEmpty(t, v.LogTail)
}

func TestGetJobQueuedHasNoDownloadURL(t *testing.T) {
	s, _ := newTestServer(t, nil)
	create := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)
	require.Equal(t, http.StatusAccepted, create.Code)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/job-1", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "download_url")
	assert.Contains(t, rec.Body.String(), `"log_tail":[]`)
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/missing", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s, svc := newTestServer(t, func(o *Options) { o.APIKey = "s3cret" })
	svc.put(doneJob(t, "abc", "x.mp4"))
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/jobs/abc", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/generate", `{}`, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/status/abc", "", map[string]string{HeaderAPIKey: "wrong"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/download?path=x.mp4", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/v1/jobs/abc", "", map[string]string{HeaderAPIKey: "s3cret"}).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRateLimitChargesByCost(t *testing.T) {
	// capacity covers exactly one default-sized job
	capacity := int(ratelimit.Cost(16, domain.DefaultOutRes))
	limiter, err := ratelimit.NewMemoryTokenBucket(capacity, time.Hour)
	require.NoError(t, err)
	s, svc := newTestServer(t, func(o *Options) {
		o.RateLimiter = limiter
		o.RateLimitSubjectHeader = HeaderAPIKey
	})
	h := s.Handler()
	alice := map[string]string{HeaderAPIKey: "alice"}

	first := do(t, h, http.MethodPost, "/v1/jobs", `{}`, alice)
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := do(t, h, http.MethodPost, "/v1/jobs", `{}`, alice)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	other := do(t, h, http.MethodPost, "/v1/jobs", `{}`, map[string]string{HeaderAPIKey: "bob"})
	assert.Equal(t, http.StatusAccepted, other.Code)

	assert.Len(t, svc.submitted, 2)
}

type failingLimiter struct{}

func (failingLimiter) AllowN(context.Context, string, int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis unavailable")
}

func TestRateLimitFailsOpen(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.RateLimiter = failingLimiter{} })

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDownloadServesLocalFile(t *testing.T) {
	dir := t.TempDir()
	name := "latent_walk_abc_1s_4fps.mp4"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake mp4 bytes"), 0o644))

	s, svc := newTestServer(t, func(o *Options) {
		o.Results = fakeResults{download: storage.Download{Name: name, LocalPath: path}}
	})
	svc.put(doneJob(t, "abc", name))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/abc/download", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), name)
	assert.Equal(t, "fake mp4 bytes", rec.Body.String())
}

func TestDownloadRedirectsToObjectStore(t *testing.T) {
	s, svc := newTestServer(t, func(o *Options) {
		o.Results = fakeResults{download: storage.Download{Name: "v.mp4", RedirectURL: "https://bucket.test/v.mp4?sig=1"}}
	})
	svc.put(doneJob(t, "abc", "videos/v.mp4"))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/abc/download", "", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://bucket.test/v.mp4?sig=1", rec.Header().Get("Location"))
}

func TestDownloadStates(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.put(doneJob(t, "gone", "latent_walk_gone_1s_4fps.mp4"))
	create := do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)
	require.Equal(t, http.StatusAccepted, create.Code)

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/v1/jobs/missing/download", "", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, s.Handler(), http.MethodGet, "/v1/jobs/job-1/download", "", nil).Code)
	assert.Equal(t, http.StatusGone, do(t, s.Handler(), http.MethodGet, "/v1/jobs/gone/download", "", nil).Code)
}

func readEvents(t *testing.T, body *bufio.Scanner, n int) []jobView {
	t.Helper()
	var out []jobView
	for len(out) < n && body.Scan() {
		line := body.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var v jobView
		require.NoError(t, json.Unmarshal([]byte(data), &v))
		out = append(out, v)
	}
	return out
}

func TestJobEventsStreamUntilTerminal(t *testing.T) {
	hub := events.NewHub()
	s, svc := newTestServer(t, func(o *Options) { o.Events = hub })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := domain.DefaultGenerateRequest()
	req.Seconds, req.FPS = 1, 2
	job := domain.NewJob("walk", req, 1, 8, "fallback", now)
	svc.put(job)

	resp, err := http.Get(ts.URL + "/v1/jobs/walk/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	first := readEvents(t, scanner, 1)
	require.Len(t, first, 1)
	assert.Equal(t, domain.JobStateQueued, first[0].State)

	require.Eventually(t, func() bool { return hub.Subscribers("walk") == 1 }, time.Second, 5*time.Millisecond)

	steps := []func(){
		func() { require.NoError(t, job.Start(now.Add(time.Second))) },
		func() { require.NoError(t, job.RecordFrame(now.Add(2*time.Second), "Generated 1/2 frames")) },
		func() { require.NoError(t, job.RecordFrame(now.Add(3*time.Second), "Generated 2/2 frames")) },
		func() { require.NoError(t, job.Complete(now.Add(4*time.Second), "out.mp4")) },
	}
	for _, step := range steps {
		step()
		svc.put(job.Snapshot())
		hub.Publish(job.Snapshot())
	}

	rest := readEvents(t, scanner, len(steps))
	require.Len(t, rest, len(steps))
	last := 0.0
	for _, v := range rest {
		assert.GreaterOrEqual(t, v.Progress, last)
		last = v.Progress
	}
	assert.Equal(t, domain.JobStateDone, rest[len(rest)-1].State)
	assert.NotEmpty(t, rest[len(rest)-1].DownloadURL)

	// stream ends after the terminal snapshot
	assert.False(t, scanner.Scan() && strings.HasPrefix(scanner.Text(), "data: "))
}

func TestJobEventsSkipOlderSnapshotsWithEqualTimestamps(t *testing.T) {
	hub := events.NewHub()
	s, svc := newTestServer(t, func(o *Options) { o.Events = hub })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// every update lands on the same clock tick
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := domain.DefaultGenerateRequest()
	req.Seconds, req.FPS = 1, 4
	job := domain.NewJob("tick", req, 1, 8, "fallback", now)
	require.NoError(t, job.Start(now))
	require.NoError(t, job.RecordFrame(now, "Generated 1/4 frames"))
	older := job.Snapshot()
	require.NoError(t, job.RecordFrame(now, "Generated 2/4 frames"))
	svc.put(job.Snapshot())

	resp, err := http.Get(ts.URL + "/v1/jobs/tick/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	first := readEvents(t, scanner, 1)
	require.Len(t, first, 1)
	require.Equal(t, 2, first[0].FramesDone)
	require.Eventually(t, func() bool { return hub.Subscribers("tick") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(older)
	hub.Publish(job.Snapshot())
	require.NoError(t, job.RecordFrame(now, "Generated 3/4 frames"))
	require.NoError(t, job.RecordFrame(now, "Generated 4/4 frames"))
	require.NoError(t, job.Complete(now, "out.mp4"))
	hub.Publish(job.Snapshot())

	rest := readEvents(t, scanner, 1)
	require.Len(t, rest, 1)
	assert.Equal(t, domain.JobStateDone, rest[0].State)
	assert.Equal(t, 4, rest[0].FramesDone)
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	at := func(state domain.JobState, frames int, ts time.Time) domain.Job {
		return domain.Job{State: state, FramesDone: frames, UpdatedAt: ts}
	}
	running := at(domain.JobStateRunning, 3, now)

	assert.True(t, isStale(at(domain.JobStateRunning, 2, now), running))
	assert.True(t, isStale(at(domain.JobStateRunning, 2, now.Add(time.Second)), running))
	assert.True(t, isStale(at(domain.JobStateQueued, 0, now), running))
	assert.True(t, isStale(running, running))
	assert.False(t, isStale(at(domain.JobStateRunning, 3, now.Add(time.Millisecond)), running))
	assert.False(t, isStale(at(domain.JobStateRunning, 4, now), running))
	assert.False(t, isStale(at(domain.JobStateError, 3, now), running))
}

func TestJobEventsTerminalJobClosesImmediately(t *testing.T) {
	s, svc := newTestServer(t, nil)
	svc.put(doneJob(t, "abc", "x.mp4"))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/abc/events", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "data: "))
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestJobEventsUnknownJob(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/jobs/missing/events", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":              "/v1/jobs",
		"/v1/jobs/abc":          "/v1/jobs/{id}",
		"/v1/jobs/abc/events":   "/v1/jobs/{id}/events",
		"/v1/jobs/abc/download": "/v1/jobs/{id}/download",
		"/status/abc":           "/status/{id}",
		"/generate":             "/generate",
		"/download":             "/download",
		"/healthz":              "/healthz",
		"/wp-admin":             "other",
	}
	for path, want := range cases {
		assert.Equal(t, want, routeLabel(path), path)
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{Results: fakeResults{}})
	assert.Error(t, err)
	_, err = NewServer(Options{Service: newFakeService()})
	assert.Error(t, err)
}

func TestTracingContinuesPropagatedTrace(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	s, svc := newTestServer(t, nil)
	s.tracer = tp.Tracer("test")
	svc.put(doneJob(t, "abc", "x.mp4"))

	traceID := "4bf92f3577b34da6a3ce929d0e0e4736"
	do(t, s.Handler(), http.MethodGet, "/v1/jobs/abc", "", map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})
	do(t, s.Handler(), http.MethodPost, "/v1/jobs", `{}`, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /v1/jobs/{id}", spans[0].Name)
	assert.Equal(t, traceID, spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "POST /v1/jobs", spans[1].Name)
	assert.Contains(t, spans[1].Attributes, attribute.Int("http.status_code", http.StatusAccepted))
}
