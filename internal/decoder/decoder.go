package decoder

import (
	"context"
	"errors"
	"image"

	"go.uber.org/zap"
)

// Decoder maps a latent vector to a res x res image. Implementations are
// immutable once built and safe for concurrent use.
type Decoder interface {
	Name() string
	LatentDim() int
	Decode(ctx context.Context, latent []float32, res int) (image.Image, error)
}

type Options struct {
	// Checkpoint is a local path or "s3://key". Empty skips the primary model.
	Checkpoint   string
	LatentDim    int
	FallbackSeed int64
	Objects      ObjectReader
}

// Select picks the decoder for the process lifetime: the primary model when
// its checkpoint loads, the fallback otherwise. The outcome is logged once.
func Select(ctx context.Context, opts Options, logger *zap.Logger) (Decoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LatentDim <= 0 {
		return nil, errors.New("latent dimension must be positive")
	}

	if opts.Checkpoint != "" {
		primary, err := loadPrimary(ctx, opts)
		if err == nil {
			logger.Info("decoder selected",
				zap.String("decoder", primary.Name()),
				zap.String("checkpoint", primary.Source()),
				zap.Int("latent_dim", primary.LatentDim()),
			)
			return primary, nil
		}
		logger.Warn("primary decoder unavailable, using fallback",
			zap.String("checkpoint", opts.Checkpoint),
			zap.Error(err),
		)
	}

	fallback, err := NewFallbackDecoder(opts.LatentDim, opts.FallbackSeed)
	if err != nil {
		return nil, err
	}
	logger.Info("decoder selected",
		zap.String("decoder", fallback.Name()),
		zap.Int("latent_dim", fallback.LatentDim()),
	)
	return fallback, nil
}

func loadPrimary(ctx context.Context, opts Options) (*PrimaryModelDecoder, error) {
	src, err := ParseSource(opts.Checkpoint, opts.Objects)
	if err != nil {
		return nil, err
	}
	return LoadPrimary(ctx, src, opts.LatentDim)
}
