package runner

import (
	"context"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/latentwalk/internal/walk"
)

// tracedDecoder adds a span and a latency sample around every decode.
type tracedDecoder struct {
	next    walk.Decoder
	tracer  trace.Tracer
	metrics *metrics
}

func (d *tracedDecoder) LatentDim() int {
	return d.next.LatentDim()
}

func (d *tracedDecoder) Decode(ctx context.Context, latent []float32, res int) (image.Image, error) {
	ctx, span := d.tracer.Start(ctx, "walk.decode")
	span.SetAttributes(attribute.Int("frame.resolution", res))
	defer span.End()

	started := time.Now()
	img, err := d.next.Decode(ctx, latent, res)
	d.metrics.frameDecode.Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
	}
	return img, err
}
