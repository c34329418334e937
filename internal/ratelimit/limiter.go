package ratelimit

import (
	"context"
	"math"
	"time"
)

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter charges n tokens to subject's bucket.
type Limiter interface {
	AllowN(ctx context.Context, subject string, n int64) (Decision, error)
}

// unitPixels is the pixel volume of the default job (16 frames of 256x256);
// one token buys that much rendering.
const unitPixels = 16 * 256 * 256

// Cost prices a walk in tokens by the pixels it will render, at least one.
func Cost(totalFrames, outRes int) int64 {
	if totalFrames <= 0 || outRes <= 0 {
		return 1
	}
	pixels := float64(totalFrames) * float64(outRes) * float64(outRes)
	return int64(math.Max(1, math.Ceil(pixels/unitPixels)))
}

func clampCost(n, capacity int64) int64 {
	if n < 1 {
		return 1
	}
	if n > capacity {
		return capacity
	}
	return n
}
