package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/latentwalk/internal/domain"
	"github.com/dunamismax/latentwalk/internal/ratelimit"
	"github.com/dunamismax/latentwalk/internal/runner"
	"github.com/dunamismax/latentwalk/internal/storage"
	"github.com/dunamismax/latentwalk/internal/telemetry"
)

type JobService interface {
	Submit(ctx context.Context, req domain.GenerateRequest) (domain.Job, error)
	Get(ctx context.Context, jobID string) (domain.Job, bool, error)
	Limits() domain.Limits
	DecoderName() string
}

type ResultResolver interface {
	Resolve(ctx context.Context, ref string) (storage.Download, error)
	ResolveName(ctx context.Context, name string) (storage.Download, error)
}

type EventSource interface {
	Subscribe(jobID string) (<-chan domain.Job, func())
}

type Options struct {
	Logger  *zap.Logger
	Service JobService
	Results ResultResolver
	// Events enables GET /v1/jobs/{id}/events when set.
	Events      EventSource
	RateLimiter ratelimit.Limiter
	// RateLimitSubjectHeader identifies the caller for rate limiting; the
	// client address is used when the header is absent.
	RateLimitSubjectHeader string
	APIKey                 string
	MaxBodyBytes           int64
	// PublicURL prefixes the links returned to clients. Empty yields
	// host-relative links.
	PublicURL string
	Registry  *prometheus.Registry
	Heartbeat time.Duration
}

type Server struct {
	logger        *zap.Logger
	service       JobService
	results       ResultResolver
	events        EventSource
	rateLimiter   ratelimit.Limiter
	subjectHeader string
	apiKey        string
	maxBodyBytes  int64
	publicURL     string
	heartbeat     time.Duration
	registry      *prometheus.Registry
	metrics       *metrics
	tracer        trace.Tracer
	mux           *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Results == nil {
		return nil, errors.New("result resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = telemetry.NewRegistry()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	s := &Server{
		logger:        logger,
		service:       opts.Service,
		results:       opts.Results,
		events:        opts.Events,
		rateLimiter:   opts.RateLimiter,
		subjectHeader: opts.RateLimitSubjectHeader,
		apiKey:        opts.APIKey,
		maxBodyBytes:  maxBody,
		publicURL:     opts.PublicURL,
		heartbeat:     heartbeat,
		registry:      registry,
		metrics:       newMetrics(registry),
		tracer:        otel.Tracer("latentwalk/api"),
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withAuth(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", telemetry.MetricsHandler(s.registry))

	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)
	s.mux.HandleFunc("GET /v1/jobs/{id}/download", s.handleDownload)

	// flat routes in the response shape of the first generation of clients
	s.mux.HandleFunc("POST /generate", s.handleLegacyGenerate)
	s.mux.HandleFunc("GET /status/{id}", s.handleLegacyStatus)
	s.mux.HandleFunc("GET /download", s.handleLegacyDownload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"decoder": s.service.DecoderName(),
	})
}

type createJobResponse struct {
	JobID     string          `json:"job_id"`
	State     domain.JobState `json:"state"`
	StatusURL string          `json:"status_url"`
	EventsURL string          `json:"events_url,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.submitJob(w, r)
	if !ok {
		return
	}

	resp := createJobResponse{
		JobID:     job.ID,
		State:     job.State,
		StatusURL: s.link("/v1/jobs/%s", job.ID),
	}
	if s.events != nil {
		resp.EventsURL = s.link("/v1/jobs/%s/events", job.ID)
	}
	w.Header().Set("Location", resp.StatusURL)
	writeJSON(w, http.StatusAccepted, resp)
}

// submitJob decodes, validates, rate limits and submits a request, writing
// the error response itself when it cannot.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	req := domain.DefaultGenerateRequest()
	if err := decodeJSON(w, r, &req, s.maxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Job{}, false
	}
	if err := req.Validate(s.service.Limits()); err != nil {
		writeValidationError(w, err)
		return domain.Job{}, false
	}
	if !s.allow(w, r, ratelimit.Cost(req.TotalFrames(), req.OutRes)) {
		return domain.Job{}, false
	}

	job, err := s.service.Submit(r.Context(), req)
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, domain.ErrInvalidRequest):
		writeValidationError(w, err)
	case errors.Is(err, runner.ErrDispatchFailed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "job could not be scheduled",
			"job_id": job.ID,
		})
	default:
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
	}
	return domain.Job{}, false
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

// lookup loads the job named by the {id} path value, writing the error
// response itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("id")
	job, ok, err := s.service.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) link(format string, args ...any) string {
	return s.publicURL + fmt.Sprintf(format, args...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any, maxBodyBytes int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    domain.ErrInvalidRequest.Error(),
			"problems": verr.Problems,
		})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
