package decoder

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/latentwalk/internal/pipeline"
)

// linearGenerator evaluates tanh(W z + b) into a BaseRes square RGB image.
// It is immutable after construction and safe for concurrent use.
type linearGenerator struct {
	ckpt *Checkpoint
}

func (g *linearGenerator) LatentDim() int {
	return g.ckpt.LatentDim
}

func (g *linearGenerator) render(ctx context.Context, latent []float32, res int) (image.Image, error) {
	if len(latent) != g.ckpt.LatentDim {
		return nil, fmt.Errorf("latent has dimension %d, want %d", len(latent), g.ckpt.LatentDim)
	}
	if res <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %d", res)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := g.ckpt.BaseRes
	dim := g.ckpt.LatentDim
	plane := base * base
	img := image.NewRGBA(image.Rect(0, 0, base, base))

	for c := 0; c < channels; c++ {
		for p := 0; p < plane; p++ {
			out := c*plane + p
			row := g.ckpt.Weights[out*dim : (out+1)*dim]
			sum := float64(g.ckpt.Bias[out])
			for k, w := range row {
				sum += float64(w) * float64(latent[k])
			}
			// tanh output in [-1, 1] maps to [0, 255]
			v := (math.Tanh(sum) + 1) / 2 * 255
			img.Pix[p*4+c] = uint8(math.Round(v))
		}
	}
	for p := 0; p < plane; p++ {
		img.Pix[p*4+3] = 255
	}

	return pipeline.Resize(img, res)
}
