package walk

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Decoder turns a latent vector into an image of res x res pixels. It must
// be safe for concurrent use and must not retain latent after returning.
type Decoder interface {
	LatentDim() int
	Decode(ctx context.Context, latent []float32, res int) (image.Image, error)
}

type FrameFilter interface {
	Apply(ctx context.Context, img image.Image) (image.Image, error)
}

// ProgressFunc is called after frame done (1-based) of total was appended.
// A non-nil error aborts the walk.
type ProgressFunc func(ctx context.Context, done, total int) error

type Params struct {
	Seed        int64
	Anchors     int
	TotalFrames int
	Strength    float64
	Resolution  int
	Sharpen     bool
}

type Engine struct {
	decoder   Decoder
	sharpener FrameFilter
}

func NewEngine(decoder Decoder, sharpener FrameFilter) (*Engine, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	return &Engine{decoder: decoder, sharpener: sharpener}, nil
}

func (e *Engine) LatentDim() int {
	return e.decoder.LatentDim()
}

// Generate decodes the whole walk in frame order. On error the frames
// produced so far are dropped.
func (e *Engine) Generate(ctx context.Context, p Params, progress ProgressFunc) ([]image.Image, error) {
	if p.Resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %d", p.Resolution)
	}
	if p.Sharpen && e.sharpener == nil {
		return nil, errors.New("sharpen requested but no sharpen filter is configured")
	}

	anchors, err := Anchors(p.Seed, p.Anchors, e.decoder.LatentDim())
	if err != nil {
		return nil, fmt.Errorf("sample anchors: %w", err)
	}
	w, err := NewWalk(anchors, p.TotalFrames, p.Strength)
	if err != nil {
		return nil, fmt.Errorf("build walk: %w", err)
	}

	frames := make([]image.Image, 0, w.Len())
	latent := make([]float32, w.Dim())
	for k := 0; k < w.Len(); k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		latent = w.At(k, latent)
		frame, err := e.decoder.Decode(ctx, latent, p.Resolution)
		if err != nil {
			return nil, fmt.Errorf("decode frame %d/%d: %w", k+1, w.Len(), err)
		}
		if p.Sharpen {
			frame, err = e.sharpener.Apply(ctx, frame)
			if err != nil {
				return nil, fmt.Errorf("sharpen frame %d/%d: %w", k+1, w.Len(), err)
			}
		}
		frames = append(frames, frame)

		if progress != nil {
			if err := progress(ctx, k+1, w.Len()); err != nil {
				return nil, fmt.Errorf("report frame %d/%d: %w", k+1, w.Len(), err)
			}
		}
	}
	return frames, nil
}
