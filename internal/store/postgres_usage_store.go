package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dunamismax/latentwalk/internal/domain"
	_ "github.com/lib/pq"
)

const usageSchemaSQL = `
CREATE TABLE IF NOT EXISTS walk_usage (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	decoder TEXT NOT NULL,
	outcome TEXT NOT NULL,
	frames_rendered BIGINT NOT NULL,
	pixels_rendered BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresUsageStore records one metering row per finished job. Rows are
// never read back into the job registry.
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(ctx context.Context, dsn string) (*PostgresUsageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresUsageStoreFromDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func NewPostgresUsageStoreFromDB(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchemaSQL); err != nil {
		return fmt.Errorf("ensure usage schema: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}

func (s *PostgresUsageStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO walk_usage (job_id, decoder, outcome, frames_rendered, pixels_rendered, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.JobID,
		usage.Decoder,
		string(usage.Outcome),
		usage.FramesRendered,
		usage.PixelsRendered,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
