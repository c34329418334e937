package pipeline

import (
	"context"
	"errors"
	"image"
)

// Filter post-processes one decoded frame.
type Filter interface {
	Apply(ctx context.Context, img image.Image) (image.Image, error)
}

var ErrEmptyFrame = errors.New("frame has no pixels")

// NewSharpener returns the sharpen filter for this build: libvips when built
// with the govips tag, a fixed 3x3 kernel otherwise.
func NewSharpener() (Filter, error) {
	return newSharpener()
}

// Chain applies filters in order.
type Chain []Filter

func (c Chain) Apply(ctx context.Context, img image.Image) (image.Image, error) {
	var err error
	for _, f := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err = f.Apply(ctx, img)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

func checkFrame(img image.Image) error {
	if img == nil {
		return ErrEmptyFrame
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return ErrEmptyFrame
	}
	return nil
}
