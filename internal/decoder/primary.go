package decoder

import (
	"context"
	"fmt"
	"image"
)

const (
	NamePrimary  = "primary"
	NameFallback = "fallback"
)

// PrimaryModelDecoder runs the generator weights loaded from a checkpoint.
type PrimaryModelDecoder struct {
	gen    *linearGenerator
	source string
}

// LoadPrimary reads and validates a checkpoint. wantDim of 0 accepts any
// latent dimension.
func LoadPrimary(ctx context.Context, src Source, wantDim int) (*PrimaryModelDecoder, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ckpt, err := ReadCheckpoint(rc)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", src, err)
	}
	if err := ckpt.validate(); err != nil {
		return nil, fmt.Errorf("validate checkpoint %s: %w", src, err)
	}
	if wantDim > 0 && ckpt.LatentDim != wantDim {
		return nil, fmt.Errorf("%w: checkpoint latent dim %d, configured %d", ErrIncompatibleCheckpoint, ckpt.LatentDim, wantDim)
	}

	return &PrimaryModelDecoder{
		gen:    &linearGenerator{ckpt: ckpt},
		source: src.String(),
	}, nil
}

func (d *PrimaryModelDecoder) Name() string {
	return NamePrimary
}

func (d *PrimaryModelDecoder) Source() string {
	return d.source
}

func (d *PrimaryModelDecoder) LatentDim() int {
	return d.gen.LatentDim()
}

func (d *PrimaryModelDecoder) Decode(ctx context.Context, latent []float32, res int) (image.Image, error) {
	return d.gen.render(ctx, latent, res)
}
