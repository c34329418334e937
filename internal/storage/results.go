package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	VideoContentType = "video/mp4"
	videoExt         = ".mp4"
	objectPrefix     = "videos/"
)

var (
	ErrInvalidReference = errors.New("invalid result reference")
	ErrResultNotFound   = errors.New("result not found")
)

// FileName is the output name for a job. The job id keeps concurrent jobs
// with identical parameters apart.
func FileName(jobID string, seconds float64, fps int) string {
	return fmt.Sprintf("latent_walk_%s_%ss_%dfps%s",
		jobID, strconv.FormatFloat(seconds, 'f', -1, 64), fps, videoExt)
}

// Download describes how to hand a finished result to a client: either a
// local file to stream or a URL to redirect to.
type Download struct {
	Name        string
	LocalPath   string
	RedirectURL string
}

// Results maps finished videos to references stored on the job and back.
type Results interface {
	// LocalPath is where the encoder writes the final file for a job.
	LocalPath(jobID string, seconds float64, fps int) string
	// Publish makes the encoded file at localPath downloadable and returns
	// its reference.
	Publish(ctx context.Context, localPath string) (string, error)
	Resolve(ctx context.Context, ref string) (Download, error)
	// ResolveName looks a result up by its bare file name, as handed out in
	// /download?path= links.
	ResolveName(ctx context.Context, name string) (Download, error)
}

type LocalResults struct {
	dir string
}

func NewLocalResults(dir string) (*LocalResults, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &LocalResults{dir: dir}, nil
}

func (r *LocalResults) Dir() string {
	return r.dir
}

func (r *LocalResults) LocalPath(jobID string, seconds float64, fps int) string {
	return filepath.Join(r.dir, FileName(jobID, seconds, fps))
}

func (r *LocalResults) Publish(_ context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	if filepath.Join(r.dir, name) != filepath.Clean(localPath) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidReference, localPath, r.dir)
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("stat result %s: %w", localPath, err)
	}
	return name, nil
}

func (r *LocalResults) Resolve(_ context.Context, ref string) (Download, error) {
	name, err := cleanName(ref)
	if err != nil {
		return Download{}, err
	}

	full := filepath.Join(r.dir, name)
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Download{}, fmt.Errorf("%w: %s", ErrResultNotFound, name)
		}
		return Download{}, fmt.Errorf("stat result %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return Download{}, fmt.Errorf("%w: %s", ErrResultNotFound, name)
	}
	return Download{Name: name, LocalPath: full}, nil
}

func (r *LocalResults) ResolveName(ctx context.Context, name string) (Download, error) {
	return r.Resolve(ctx, name)
}

// cleanName accepts only a bare .mp4 file name.
func cleanName(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if !strings.HasSuffix(ref, videoExt) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return ref, nil
}

type objectStore interface {
	UploadFile(ctx context.Context, objectKey, filePath, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

// ObjectResults encodes locally, then uploads to the bucket and drops the
// local copy. Downloads redirect to a presigned URL.
type ObjectResults struct {
	local   *LocalResults
	objects objectStore
	ttl     time.Duration
}

func NewObjectResults(local *LocalResults, objects objectStore, presignTTL time.Duration) (*ObjectResults, error) {
	if local == nil || objects == nil {
		return nil, errors.New("local results and object storage are required")
	}
	if presignTTL <= 0 {
		return nil, errors.New("presign ttl must be positive")
	}
	return &ObjectResults{local: local, objects: objects, ttl: presignTTL}, nil
}

func (r *ObjectResults) LocalPath(jobID string, seconds float64, fps int) string {
	return r.local.LocalPath(jobID, seconds, fps)
}

func (r *ObjectResults) Publish(ctx context.Context, localPath string) (string, error) {
	name, err := r.local.Publish(ctx, localPath)
	if err != nil {
		return "", err
	}

	key := objectPrefix + name
	if err := r.objects.UploadFile(ctx, key, localPath, VideoContentType); err != nil {
		return "", err
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove uploaded file %s: %w", localPath, err)
	}
	return key, nil
}

func (r *ObjectResults) Resolve(ctx context.Context, ref string) (Download, error) {
	if !strings.HasPrefix(ref, objectPrefix) {
		return Download{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	name, err := cleanName(strings.TrimPrefix(ref, objectPrefix))
	if err != nil {
		return Download{}, err
	}

	key := path.Join(objectPrefix, name)
	// a presigned URL for a lifecycle-expired object would only 404 later
	exists, err := r.objects.ObjectExists(ctx, key)
	if err != nil {
		return Download{}, err
	}
	if !exists {
		return Download{}, fmt.Errorf("%w: %s", ErrResultNotFound, key)
	}
	u, err := r.objects.PresignedGetURL(ctx, key, r.ttl)
	if err != nil {
		return Download{}, err
	}
	return Download{Name: name, RedirectURL: u}, nil
}

func (r *ObjectResults) ResolveName(ctx context.Context, name string) (Download, error) {
	if _, err := cleanName(name); err != nil {
		return Download{}, err
	}
	return r.Resolve(ctx, objectPrefix+name)
}
