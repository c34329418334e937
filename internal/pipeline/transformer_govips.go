//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsSharpener round-trips the frame through libvips' unsharp mask.
type govipsSharpener struct {
	sigma  float64
	flat   float64
	jagged float64
}

func (s govipsSharpener) Apply(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkFrame(img); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame for vips: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load frame into vips: %w", err)
	}
	defer ref.Close()

	if err := ref.Sharpen(s.sigma, s.flat, s.jagged); err != nil {
		return nil, fmt.Errorf("sharpen frame: %w", err)
	}

	params := vips.NewPngExportParams()
	params.Compression = 0
	data, _, err := ref.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("export sharpened frame: %w", err)
	}

	out, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode sharpened frame: %w", err)
	}
	return out, nil
}
