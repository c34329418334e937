package decoder

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
)

const (
	fallbackBaseRes = 64
	// cycles across the frame; low frequencies keep the output blob-like.
	fallbackMaxFreq = 3.0
)

// FallbackDecoder is an always-available synthetic generator. Each latent
// component drives a fixed smooth sinusoidal field per channel, so nearby
// latents give similar pictures. Weights depend only on seed and dimension.
type FallbackDecoder struct {
	gen *linearGenerator
}

func NewFallbackDecoder(latentDim int, seed int64) (*FallbackDecoder, error) {
	if latentDim < 1 || latentDim > maxCheckpointDim {
		return nil, fmt.Errorf("fallback latent dimension %d out of range", latentDim)
	}

	base := fallbackBaseRes
	plane := base * base
	ckpt := &Checkpoint{
		LatentDim: latentDim,
		BaseRes:   base,
		Weights:   make([]float32, channels*plane*latentDim),
		Bias:      make([]float32, channels*plane),
	}

	rng := rand.New(rand.NewPCG(uint64(seed), 0x6c61746e7477616b))
	scale := 1.5 / math.Sqrt(float64(latentDim))
	for k := 0; k < latentDim; k++ {
		fx := (rng.Float64()*2 - 1) * fallbackMaxFreq * 2 * math.Pi / float64(base)
		fy := (rng.Float64()*2 - 1) * fallbackMaxFreq * 2 * math.Pi / float64(base)
		for c := 0; c < channels; c++ {
			phase := rng.Float64() * 2 * math.Pi
			gain := scale * (0.5 + rng.Float64())
			for y := 0; y < base; y++ {
				for x := 0; x < base; x++ {
					out := c*plane + y*base + x
					ckpt.Weights[out*latentDim+k] = float32(gain * math.Sin(fx*float64(x)+fy*float64(y)+phase))
				}
			}
		}
	}

	return &FallbackDecoder{gen: &linearGenerator{ckpt: ckpt}}, nil
}

func (d *FallbackDecoder) Name() string {
	return NameFallback
}

func (d *FallbackDecoder) LatentDim() int {
	return d.gen.LatentDim()
}

func (d *FallbackDecoder) Decode(ctx context.Context, latent []float32, res int) (image.Image, error) {
	return d.gen.render(ctx, latent, res)
}
