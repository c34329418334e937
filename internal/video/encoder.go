package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrEncoderUnavailable = errors.New("video encoder unavailable")

// Encoder turns an ordered frame sequence into a video file at outPath.
// outPath either holds the complete video afterwards or does not exist.
type Encoder interface {
	Encode(ctx context.Context, frames []image.Image, fps int, outPath string) error
}

type FFmpegConfig struct {
	Binary string
	Codec  string
	CRF    int
	Preset string
}

func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary: "ffmpeg",
		Codec:  "libx264",
		CRF:    18,
		Preset: "medium",
	}
}

type FFmpegEncoder struct {
	cfg    FFmpegConfig
	logger *zap.Logger
}

func NewFFmpegEncoder(cfg FFmpegConfig, logger *zap.Logger) *FFmpegEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultFFmpegConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Codec == "" {
		cfg.Codec = def.Codec
	}
	if cfg.Preset == "" {
		cfg.Preset = def.Preset
	}
	if cfg.CRF < 0 {
		cfg.CRF = def.CRF
	}
	return &FFmpegEncoder{cfg: cfg, logger: logger}
}

// Available reports whether the ffmpeg binary can be found.
func (e *FFmpegEncoder) Available() error {
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	return nil
}

func (e *FFmpegEncoder) Encode(ctx context.Context, frames []image.Image, fps int, outPath string) error {
	if len(frames) == 0 {
		return errors.New("no frames to encode")
	}
	if fps < 1 {
		return fmt.Errorf("fps must be at least 1, got %d", fps)
	}
	binary, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	frameDir, err := os.MkdirTemp(filepath.Dir(outPath), ".frames-*")
	if err != nil {
		return fmt.Errorf("create frame directory: %w", err)
	}
	defer os.RemoveAll(frameDir)

	started := time.Now()
	if err := writeFrames(ctx, frameDir, frames); err != nil {
		return err
	}

	partPath := outPath + ".part"
	args := e.args(filepath.Join(frameDir, "frame_%06d.png"), fps, partPath)
	stderr := &tailBuffer{limit: 2048}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(partPath)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	if err := os.Rename(partPath, outPath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("finalize video %s: %w", outPath, err)
	}

	e.logger.Debug("video encoded",
		zap.String("path", outPath),
		zap.Int("frames", len(frames)),
		zap.Int("fps", fps),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (e *FFmpegEncoder) args(pattern string, fps int, out string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-framerate", strconv.Itoa(fps),
		"-i", pattern,
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", e.cfg.Codec,
		"-crf", strconv.Itoa(e.cfg.CRF),
		"-preset", e.cfg.Preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		out,
	}
}

func writeFrames(ctx context.Context, dir string, frames []image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create frame %d: %w", i, err)
		}
		if err := enc.Encode(f, frame); err != nil {
			_ = f.Close()
			return fmt.Errorf("write frame %d: %w", i, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close frame %d: %w", i, err)
		}
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
