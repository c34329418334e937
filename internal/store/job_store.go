package store

import (
	"context"

	"github.com/dunamismax/latentwalk/internal/domain"
)

// JobStore is the single source of truth for job state. Update applies
// mutate to a private copy and publishes it only if mutate succeeds, so a
// concurrent Get never observes half of a logical step.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, mutate func(*domain.Job) error) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
