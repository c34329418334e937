// Package client is a typed HTTP client for the latentwalk API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/latentwalk/internal/domain"
)

const headerAPIKey = "X-API-Key"

// ErrStreamUnavailable is returned by Watch when the server has event
// streaming disabled; callers can fall back to Poll.
var ErrStreamUnavailable = errors.New("event stream unavailable")

type Accepted struct {
	JobID     string          `json:"job_id"`
	State     domain.JobState `json:"state"`
	StatusURL string          `json:"status_url"`
	EventsURL string          `json:"events_url,omitempty"`
}

type Status struct {
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

func (s Status) Terminal() bool {
	return s.State == domain.JobStateDone || s.State == domain.JobStateError
}

// LastLog returns the newest log line, or "".
func (s Status) LastLog() string {
	if len(s.LogTail) == 0 {
		return ""
	}
	return s.LogTail[len(s.LogTail)-1]
}

type APIError struct {
	StatusCode int
	Message    string
	Problems   []string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, msg)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Submit(ctx context.Context, req domain.GenerateRequest) (Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return Accepted{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return Accepted{}, decodeError(resp)
	}
	var out Accepted
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Accepted{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, decodeError(resp)
	}
	var out Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

// Watch follows the job's event stream, calling fn for every snapshot, and
// returns the last one once the job is terminal.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(Status)) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(apiErr.Error(), "disabled") {
			return Status{}, ErrStreamUnavailable
		}
		return Status{}, apiErr
	}

	var last Status
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && data.Len() > 0:
			var s Status
			if err := json.Unmarshal([]byte(data.String()), &s); err != nil {
				return last, fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			last = s
			if fn != nil {
				fn(s)
			}
			if s.Terminal() {
				return s, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, fmt.Errorf("read event stream: %w", err)
	}
	return last, io.ErrUnexpectedEOF
}

// Poll fetches the status every interval until the job is terminal.
func (c *Client) Poll(ctx context.Context, jobID string, interval time.Duration, fn func(Status)) (Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev time.Time
	for {
		s, err := c.Status(ctx, jobID)
		if err != nil {
			return s, err
		}
		if fn != nil && (prev.IsZero() || s.UpdatedAt.After(prev)) {
			fn(s)
		}
		prev = s.UpdatedAt
		if s.Terminal() {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download copies the finished video into w and returns its file name.
// Redirects to object storage are followed.
func (c *Client) Download(ctx context.Context, jobID string, w io.Writer) (string, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID+"/download", nil)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeError(resp)
	}
	name := fileName(resp)
	if name == "" {
		name = jobID + ".mp4"
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return name, n, fmt.Errorf("copy video: %w", err)
	}
	return name, n, nil
}

func (c *Client) do(ctx context.Context, method, p string, body io.Reader) (*http.Response, error) {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, p, err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Message = body.Error
		apiErr.Problems = body.Problems
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func fileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	// presigned object URLs end in the object key
	if resp.Request != nil && strings.HasSuffix(resp.Request.URL.Path, ".mp4") {
		return path.Base(resp.Request.URL.Path)
	}
	return ""
}
