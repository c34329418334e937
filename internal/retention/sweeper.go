package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 1h"

// Sweeper deletes finished videos and encoder leftovers older than maxAge
// from the output directory on a cron schedule.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time
}

func NewSweeper(dir, schedule string, maxAge time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	if maxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sweeper{
		dir:    dir,
		maxAge: maxAge,
		logger: logger,
		cron:   cron.New(),
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("retention sweeper started", zap.String("dir", s.dir), zap.Duration("max_age", s.maxAge))
}

// Stop prevents further sweeps and waits for a running one to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	removed, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Warn("retention sweep failed", zap.Int("removed", removed), zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep", zap.Int("removed", removed))
	}
}

// Sweep removes expired entries once and reports how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read output directory: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !managed(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Debug("expired output removed", zap.String("name", entry.Name()))
	}
	return removed, errors.Join(errs...)
}

// managed reports whether the sweeper owns the entry. Anything else in the
// directory is left alone.
func managed(entry os.DirEntry) bool {
	name := entry.Name()
	if entry.IsDir() {
		return strings.HasPrefix(name, ".frames-")
	}
	if !strings.HasPrefix(name, "latent_walk_") {
		return false
	}
	return strings.HasSuffix(name, ".mp4") || strings.HasSuffix(name, ".mp4.part")
}
