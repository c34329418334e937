package walk

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
)

// Anchors draws count standard-normal points of the given dimension. The
// same seed always yields the same anchors, and no two anchors are equal.
func Anchors(seed int64, count, dim int) ([][]float32, error) {
	if count < 2 {
		return nil, fmt.Errorf("need at least 2 anchors, got %d", count)
	}
	if dim < 1 {
		return nil, fmt.Errorf("latent dimension must be positive, got %d", dim)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	out := make([][]float32, 0, count)
	for len(out) < count {
		v := make([]float32, dim)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		if containsVector(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// PlanSegments splits total frames over the closed loop's segments. Every
// segment gets total/anchors frames and the first total%anchors segments get
// one extra.
func PlanSegments(total, anchors int) ([]int, error) {
	if anchors < 2 {
		return nil, fmt.Errorf("need at least 2 anchors, got %d", anchors)
	}
	if total < anchors {
		return nil, fmt.Errorf("total frames %d is less than anchors %d", total, anchors)
	}

	base, rem := total/anchors, total%anchors
	plan := make([]int, anchors)
	for i := range plan {
		plan[i] = base
		if i < rem {
			plan[i]++
		}
	}
	return plan, nil
}

// Ease is smoothstep: zero velocity at t=0 and t=1.
func Ease(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 1
	}
	return t * t * (3 - 2*t)
}

// Interpolate writes the point at position t of the segment a->b into dst.
// The displacement from a is s*(b-a) with s=Ease(t), scaled by strength and
// tapered by (1-s) so the segment still lands on b:
//
//	a + s*(b-a)*(1 + (strength-1)*(1-s))
//
// strength 1 is plain smoothstep, above 1 the walk overshoots the straight
// blend, below 1 it lags behind it. Strength 0 only slows the walk down: every
// segment still ends on its target anchor.
func Interpolate(dst, a, b []float32, t, strength float64) {
	s := Ease(t)
	k := s * (1 + (strength-1)*(1-s))
	for i := range dst {
		ai := float64(a[i])
		dst[i] = float32(ai + k*(float64(b[i])-ai))
	}
}

// Walk is a closed loop through the anchors sampled at a fixed frame count.
// Segment i runs from anchor i to anchor (i+1) mod n.
type Walk struct {
	anchors  [][]float32
	plan     []int
	offsets  []int
	strength float64
	total    int
}

func NewWalk(anchors [][]float32, total int, strength float64) (*Walk, error) {
	if len(anchors) < 2 {
		return nil, fmt.Errorf("need at least 2 anchors, got %d", len(anchors))
	}
	dim := len(anchors[0])
	for i, a := range anchors {
		if len(a) != dim {
			return nil, fmt.Errorf("anchor %d has dimension %d, want %d", i, len(a), dim)
		}
	}
	if strength < 0 {
		return nil, errors.New("strength must be non-negative")
	}

	plan, err := PlanSegments(total, len(anchors))
	if err != nil {
		return nil, err
	}
	offsets := make([]int, len(plan))
	for i := 1; i < len(plan); i++ {
		offsets[i] = offsets[i-1] + plan[i-1]
	}

	return &Walk{
		anchors:  anchors,
		plan:     plan,
		offsets:  offsets,
		strength: strength,
		total:    total,
	}, nil
}

func (w *Walk) Len() int {
	return w.total
}

func (w *Walk) Dim() int {
	return len(w.anchors[0])
}

func (w *Walk) Plan() []int {
	return append([]int(nil), w.plan...)
}

// Segment reports which segment frame k belongs to and its local position.
// k == Len() is the closing point: segment 0 at t=0.
func (w *Walk) Segment(k int) (segment int, t float64) {
	if k <= 0 || k >= w.total {
		return 0, 0
	}
	segment = sort.Search(len(w.offsets), func(i int) bool { return w.offsets[i] > k }) - 1
	local := k - w.offsets[segment]
	return segment, float64(local) / float64(w.plan[segment])
}

// At writes the latent vector of frame k into dst, allocating when dst is
// too small, and returns it. k ranges over [0, Len()]; At(Len()) equals At(0).
func (w *Walk) At(k int, dst []float32) []float32 {
	if cap(dst) < w.Dim() {
		dst = make([]float32, w.Dim())
	}
	dst = dst[:w.Dim()]

	segment, t := w.Segment(k)
	from := w.anchors[segment]
	to := w.anchors[(segment+1)%len(w.anchors)]
	Interpolate(dst, from, to, t, w.strength)
	return dst
}

func containsVector(set [][]float32, v []float32) bool {
	for _, other := range set {
		same := true
		for i := range v {
			if other[i] != v[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}
