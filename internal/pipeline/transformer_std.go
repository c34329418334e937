package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// sharpenKernel is the classic 3x3 kernel: center 9, neighbours -1. It sums
// to 1 so flat regions keep their colour.
var sharpenKernel = [3][3]int{
	{-1, -1, -1},
	{-1, 9, -1},
	{-1, -1, -1},
}

type kernelSharpener struct{}

func (kernelSharpener) Apply(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFrame(img); err != nil {
		return nil, err
	}
	return sharpenRGBA(toRGBA(img)), nil
}

func sharpenRGBA(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl int
			for ky := -1; ky <= 1; ky++ {
				sy := clamp(y+ky, 0, h-1)
				for kx := -1; kx <= 1; kx++ {
					sx := clamp(x+kx, 0, w-1)
					weight := sharpenKernel[ky+1][kx+1]
					i := sy*src.Stride + sx*4
					r += weight * int(src.Pix[i])
					g += weight * int(src.Pix[i+1])
					bl += weight * int(src.Pix[i+2])
				}
			}
			si := y*src.Stride + x*4
			di := y*dst.Stride + x*4
			dst.Pix[di] = uint8(clamp(r, 0, 255))
			dst.Pix[di+1] = uint8(clamp(g, 0, 255))
			dst.Pix[di+2] = uint8(clamp(bl, 0, 255))
			dst.Pix[di+3] = src.Pix[si+3]
		}
	}
	return dst
}

// Resize scales img to a res x res square with bilinear filtering.
func Resize(img image.Image, res int) (image.Image, error) {
	if res <= 0 {
		return nil, fmt.Errorf("resize requires a positive resolution, got %d", res)
	}
	if err := checkFrame(img); err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() == res && b.Dy() == res {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, res, res))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, nil
}

// ResizeFilter adapts Resize to the Filter interface.
type ResizeFilter struct {
	Resolution int
}

func (f ResizeFilter) Apply(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Resize(img, f.Resolution)
}

// toRGBA returns img as a zero-origin *image.RGBA, copying only when needed.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
