package domain

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultSeconds  = 2.0
	DefaultFPS      = 8
	DefaultOutRes   = 256
	DefaultAnchors  = 3
	DefaultStrength = 2.0

	DefaultMaxTotalFrames = 3600
	DefaultMaxOutRes      = 1024
)

var ErrInvalidRequest = errors.New("invalid generate request")

type GenerateRequest struct {
	Seconds    float64 `json:"seconds" validate:"gt=0"`
	FPS        int     `json:"fps" validate:"gte=1"`
	OutRes     int     `json:"out_res" validate:"gte=1"`
	Anchors    int     `json:"anchors" validate:"gte=2"`
	Strength   float64 `json:"strength" validate:"gte=0"`
	Sharpen    bool    `json:"sharpen"`
	Seed       *int64  `json:"seed,omitempty"`
	WebhookURL string  `json:"webhook_url,omitempty"`
}

// DefaultGenerateRequest is the starting point JSON bodies are decoded onto,
// so omitted fields keep these values.
func DefaultGenerateRequest() GenerateRequest {
	return GenerateRequest{
		Seconds:  DefaultSeconds,
		FPS:      DefaultFPS,
		OutRes:   DefaultOutRes,
		Anchors:  DefaultAnchors,
		Strength: DefaultStrength,
	}
}

type Limits struct {
	MaxTotalFrames int
	MaxOutRes      int
}

func DefaultLimits() Limits {
	return Limits{MaxTotalFrames: DefaultMaxTotalFrames, MaxOutRes: DefaultMaxOutRes}
}

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// TotalFrames is seconds*fps rounded to the nearest frame. Validate rejects
// requests where the product is not already whole.
func (r GenerateRequest) TotalFrames() int {
	return int(math.Round(r.Seconds * float64(r.FPS)))
}

func (r GenerateRequest) Validate(limits Limits) error {
	var problems []string

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
		return &ValidationError{Problems: problems}
	}

	product := r.Seconds * float64(r.FPS)
	total := r.TotalFrames()
	if math.IsInf(product, 0) || math.IsNaN(product) {
		problems = append(problems, "seconds must be a finite number")
	} else if math.Abs(product-float64(total)) > 1e-9 {
		problems = append(problems, fmt.Sprintf("seconds*fps must be a whole number of frames, got %g", product))
	}
	if total < r.Anchors {
		problems = append(problems, fmt.Sprintf("total frames (%d) must be at least the number of anchors (%d)", total, r.Anchors))
	}
	if limits.MaxTotalFrames > 0 && total > limits.MaxTotalFrames {
		problems = append(problems, fmt.Sprintf("total frames (%d) exceeds the limit of %d", total, limits.MaxTotalFrames))
	}
	if limits.MaxOutRes > 0 && r.OutRes > limits.MaxOutRes {
		problems = append(problems, fmt.Sprintf("out_res (%d) exceeds the limit of %d", r.OutRes, limits.MaxOutRes))
	}
	if math.IsNaN(r.Strength) || math.IsInf(r.Strength, 0) {
		problems = append(problems, "strength must be a finite number")
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "webhook_url must be an absolute http(s) URL")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func (r GenerateRequest) clone() GenerateRequest {
	out := r
	if r.Seed != nil {
		seed := *r.Seed
		out.Seed = &seed
	}
	return out
}
